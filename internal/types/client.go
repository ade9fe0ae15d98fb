// internal/types/client.go
package types

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"towerward/internal/secure"
)

// ConnState is the handshake state of a connection. It only moves forward.
type ConnState int

const (
	StateAwaitingKeyExchange ConnState = iota
	StateEstablished
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingKeyExchange:
		return "awaiting_key_exchange"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrHandshakeIncomplete is returned by SendEncrypted before the key exchange finished.
	ErrHandshakeIncomplete = errors.New("encrypted send before handshake completed")
	// ErrClientClosed is returned when sending to a connection that is being torn down.
	ErrClientClosed = errors.New("client closed")
	// ErrBadTransition is returned when a state change is requested from the wrong state.
	ErrBadTransition = errors.New("invalid connection state transition")
)

// Client is the server-side state of one live connection. Matchmaking state (opponent,
// queue membership, wave index) is owned by session.Manager, not by the client.
type Client struct {
	ID         string
	RemoteAddr string

	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	state  ConnState
	codec  *secure.Codec
	userID int
	base   *zap.Logger
	log    *zap.Logger
	strict bool
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithLogger attaches a connection-scoped logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.base, c.log = log, log
		}
	}
}

// WithStrictHandshake makes SendEncrypted panic when called before the handshake.
func WithStrictHandshake(strict bool) ClientOption {
	return func(c *Client) { c.strict = strict }
}

// WithSendBuffer sets how many outbound frames may queue before senders block.
func WithSendBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.send = make(chan []byte, n)
		}
	}
}

// NewClient creates a client in StateAwaitingKeyExchange.
func NewClient(id, remoteAddr string, opts ...ClientOption) *Client {
	c := &Client{
		ID:         id,
		RemoteAddr: remoteAddr,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		base:       zap.NewNop(),
	}
	c.log = c.base
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Outbound yields frames ready for the socket, in send order.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Done is closed once the client has been marked closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Log returns the connection logger.
func (c *Client) Log() *zap.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

// State returns the current handshake state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Establish installs the session codec and moves the client to StateEstablished.
func (c *Client) Establish(codec *secure.Codec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingKeyExchange {
		return fmt.Errorf("%w: establish from %s", ErrBadTransition, c.state)
	}
	c.codec = codec
	c.state = StateEstablished
	return nil
}

// MarkClosed moves the client to StateClosed and releases blocked senders. It reports
// whether this call performed the transition.
func (c *Client) MarkClosed() bool {
	closed := false
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)
		closed = true
	})
	return closed
}

// Decrypt opens an inbound post-handshake frame.
func (c *Client) Decrypt(frame []byte) ([]byte, error) {
	c.mu.Lock()
	codec, state := c.codec, c.state
	c.mu.Unlock()
	if state != StateEstablished {
		return nil, fmt.Errorf("%w: decrypt in %s", ErrBadTransition, state)
	}
	return codec.Decrypt(string(frame))
}

// BindUser records the authenticated user for this connection.
func (c *Client) BindUser(userID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != userID {
		c.userID = userID
		c.log = c.base.With(zap.Int("user_id", userID))
	}
}

// UserID returns the bound user, or 0 and false when nobody has authenticated yet.
func (c *Client) UserID() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.userID != 0
}

// SendRaw queues an unencrypted frame. Only the handshake uses it.
func (c *Client) SendRaw(frame []byte) error {
	return c.enqueue(frame)
}

// SendEncrypted encrypts plain with the session codec and queues it.
func (c *Client) SendEncrypted(plain []byte) error {
	c.mu.Lock()
	codec, state, strict, log := c.codec, c.state, c.strict, c.log
	c.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrClientClosed
	case StateAwaitingKeyExchange:
		log.Error("attempt to send encrypted message before handshake")
		if strict {
			panic(ErrHandshakeIncomplete)
		}
		return ErrHandshakeIncomplete
	}

	cipherText, err := codec.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return c.enqueue([]byte(cipherText))
}

func (c *Client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) String() string {
	id, _ := c.UserID()
	return fmt.Sprintf("Client(%s, %s, user=%d)", c.ID, c.RemoteAddr, id)
}
