package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"towerward/internal/handle/message"
	"towerward/internal/logger"
	"towerward/internal/metrics"
	"towerward/internal/secure"
	"towerward/internal/session"
	"towerward/internal/transport"
	"towerward/internal/types"
	"towerward/internal/utils"
)

// Options tune each connection.
type Options struct {
	RSAKeyBits  int
	IdleTimeout time.Duration
	// RateLimit is messages per second after the handshake; 0 disables limiting.
	RateLimit  float64
	RateBurst  int
	SendBuffer int
	// Strict panics on encrypted sends before the handshake.
	Strict bool
}

// Handler drives one connection: handshake, receive loop, dispatch and teardown.
type Handler struct {
	conn     transport.Conn
	client   *types.Client
	sessions *session.Manager
	router   *message.Router
	opts     Options
	limiter  *rate.Limiter
	log      *zap.Logger

	keys *secure.KeyPair
	once sync.Once
}

func NewHandler(conn transport.Conn, sessions *session.Manager, router *message.Router, opts Options) *Handler {
	id := uuid.NewString()
	log := logger.L.With(zap.String("conn_id", id), zap.String("remote_addr", conn.RemoteAddr()))

	h := &Handler{
		conn:     conn,
		sessions: sessions,
		router:   router,
		opts:     opts,
		log:      log,
		client: types.NewClient(id, conn.RemoteAddr(),
			types.WithLogger(log),
			types.WithStrictHandshake(opts.Strict),
			types.WithSendBuffer(opts.SendBuffer),
		),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return h
}

// Client exposes the connection state.
func (h *Handler) Client() *types.Client { return h.client }

// Run blocks until the connection ends. A clean close or a cancelled ctx returns nil.
func (h *Handler) Run(ctx context.Context) (err error) {
	bits := h.opts.RSAKeyBits
	if bits == 0 {
		bits = secure.MinKeyBits
	}
	keys, err := secure.NewKeyPair(bits)
	if err != nil {
		_ = h.conn.Close()
		return err
	}
	h.keys = keys

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	h.sessions.AddClient(h.client)
	h.log.Info("client connected")

	writerDone := make(chan struct{})
	go h.writePump(writerDone)

	defer func() {
		h.teardown(err)
		<-writerDone
	}()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("connection handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = h.conn.Close() })
	defer stop()

	pub, err := keys.PublicKeyMessage()
	if err != nil {
		return fmt.Errorf("render public key: %w", err)
	}
	if err := h.client.SendRaw(pub); err != nil {
		return err
	}

	err = h.readLoop(ctx)
	if errors.Is(err, transport.ErrConnectionClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (h *Handler) readLoop(ctx context.Context) error {
	for {
		if h.opts.IdleTimeout > 0 {
			if err := h.conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout)); err != nil {
				return err
			}
		}
		frame, err := h.conn.ReadFrame()
		if err != nil {
			return err
		}
		if err := h.handleFrame(ctx, frame); err != nil {
			return err
		}
	}
}

// handleFrame returns an error only for failures that must end the connection.
func (h *Handler) handleFrame(ctx context.Context, frame []byte) error {
	switch h.client.State() {
	case types.StateAwaitingKeyExchange:
		return h.handshake(frame)
	case types.StateEstablished:
	default:
		return types.ErrClientClosed
	}

	plain, err := h.client.Decrypt(frame)
	if err != nil {
		return fmt.Errorf("decrypt frame: %w", err)
	}
	if h.limiter != nil && !rateExempt(plain) && !h.limiter.Allow() {
		metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
		h.log.Warn("rate limit exceeded, dropping frame")
		return nil
	}
	h.router.Handle(ctx, h.client, plain)
	return nil
}

// rateExempt reports whether plain advances match state. The limiter never drops those.
func rateExempt(plain []byte) bool {
	var head struct{ Type string }
	if err := json.Unmarshal(plain, &head); err != nil {
		return false
	}
	switch head.Type {
	case types.TypeWaveDone, types.TypeGameOver, types.TypeGameOverDetailed:
		return true
	}
	return false
}

// handshake accepts only AESKeyExchange. Anything else is logged and ignored; a key
// exchange that cannot be decrypted is fatal.
func (h *Handler) handshake(frame []byte) error {
	var msg secure.KeyExchangeMessage
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != types.TypeAESKeyExchange {
		metrics.FramesDropped.WithLabelValues("pre_handshake").Inc()
		h.log.Warn("ignoring message before key exchange", zap.String("type", msg.Type), zap.Error(err))
		return nil
	}

	codec, err := h.keys.DecryptKeyExchange(msg.EncryptedKey, msg.EncryptedIV)
	if err != nil {
		return err
	}
	if err := h.client.Establish(codec); err != nil {
		return err
	}
	h.log.Debug("handshake completed")
	return nil
}

// writePump is the only writer of the socket, so frames never interleave.
func (h *Handler) writePump(done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case frame := <-h.client.Outbound():
			if err := h.conn.WriteFrame(frame); err != nil {
				h.log.Debug("write failed", zap.Error(err))
				_ = h.conn.Close()
				return
			}
		case <-h.client.Done():
			return
		}
	}
}

// teardown runs once: detach from matchmaking, tell the opponent, close the socket.
func (h *Handler) teardown(cause error) {
	h.once.Do(func() {
		opp := h.sessions.Remove(h.client)
		if opp != nil {
			utils.SendMessage(opp, types.TypeOpponentDisconnected, nil)
		}
		_ = h.conn.Close()
		metrics.ActiveConnections.Dec()

		if cause != nil {
			h.log.Warn("client disconnected with error", zap.Error(cause))
		} else {
			h.log.Info("client disconnected")
		}
	})
}
