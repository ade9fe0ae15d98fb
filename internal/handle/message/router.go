package message

import (
	"context"
	"time"

	"go.uber.org/zap"

	"towerward/internal/metrics"
	"towerward/internal/session"
	"towerward/internal/types"
)

// DefaultAvatar is assigned to every newly registered account.
const DefaultAvatar = "temp_avatar.png"

// Deps are the collaborators the router calls into.
type Deps struct {
	Sessions *session.Manager
	Users    types.UserDirectory
	Auth     types.AuthProvider
	Games    types.SessionStore
	Stats    types.StatsStore
	// Now defaults to time.Now.
	Now func() time.Time
}

// Router authorizes and dispatches decrypted envelopes. It is shared by all connections.
type Router struct {
	sessions *session.Manager
	users    types.UserDirectory
	auth     types.AuthProvider
	games    types.SessionStore
	stats    types.StatsStore
	now      func() time.Time

	registering keyedMutex
}

func NewRouter(d Deps) *Router {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		sessions: d.Sessions,
		users:    d.Users,
		auth:     d.Auth,
		games:    d.Games,
		stats:    d.Stats,
		now:      now,
	}
}

// bootstrap kinds skip the token gate.
func bootstrap(typ string) bool {
	switch typ {
	case types.TypeRegisterUser, types.TypeLoginUser, types.TypeAutoLogin, types.TypeGameSnapshot:
		return true
	}
	return false
}

// Handle processes one decrypted frame from c. Malformed JSON is dropped; the connection
// stays open.
func (r *Router) Handle(ctx context.Context, c *types.Client, raw []byte) {
	env, err := types.ParseEnvelope(raw)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("bad_envelope").Inc()
		c.Log().Warn("dropping malformed message", zap.Error(err))
		return
	}

	if !bootstrap(env.Type) && !r.authorize(ctx, c, env) {
		return
	}

	metrics.MessagesHandled.WithLabelValues(metricLabel(env.Type)).Inc()
	c.Log().Debug("message received", zap.String("type", env.Type))

	switch env.Type {
	case types.TypeMatchmakingRequest:
		r.handleMatchmaking(c)

	case types.TypeSendBalloon, types.TypeGameSnapshot, types.TypeShowSnapshots, types.TypeHideSnapshots:
		r.relay(c, raw)

	case types.TypeWaveDone:
		r.handleWaveDone(c, env)

	case types.TypeUseMultiplayerAbility:
		r.handleAbility(c, raw)

	case types.TypeGameOver:
		r.handleGameOver(c, raw)

	case types.TypeRegisterUser:
		r.handleRegister(ctx, c, env)

	case types.TypeLoginUser:
		r.handleLogin(ctx, c, env)

	case types.TypeUpdateLastLogin:
		r.handleUpdateLastLogin(ctx, c, env)

	case types.TypeGameOverDetailed:
		r.handleGameOverDetailed(ctx, c, env)

	case types.TypeAutoLogin:
		r.handleAutoLogin(ctx, c, env)

	default:
		c.Log().Info("ignoring unknown message type", zap.String("type", env.Type))
	}
}

// metricLabel keeps the label set bounded when clients send arbitrary types.
func metricLabel(typ string) string {
	switch typ {
	case types.TypeMatchmakingRequest, types.TypeSendBalloon, types.TypeGameSnapshot,
		types.TypeShowSnapshots, types.TypeHideSnapshots, types.TypeWaveDone,
		types.TypeUseMultiplayerAbility, types.TypeGameOver, types.TypeRegisterUser,
		types.TypeLoginUser, types.TypeUpdateLastLogin, types.TypeGameOverDetailed,
		types.TypeAutoLogin:
		return typ
	}
	return "unknown"
}
