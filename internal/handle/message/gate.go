package message

import (
	"context"

	"go.uber.org/zap"

	"towerward/internal/metrics"
	"towerward/internal/types"
	"towerward/internal/utils"
)

// authorize validates the envelope's access token, falling back to a refresh. A successful
// refresh pushes the new pair to the client before the message is dispatched. It returns
// false when the message must be dropped.
func (r *Router) authorize(ctx context.Context, c *types.Client, env *types.Envelope) bool {
	if env.TokenData == nil {
		metrics.AuthFailures.WithLabelValues("no_token_data").Inc()
		utils.SendError(c, "No TokenData in message.")
		return false
	}

	valid, userID, err := r.auth.ValidateAccessToken(ctx, env.TokenData.AccessToken)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("validate_error").Inc()
		c.Log().Error("access token validation failed", zap.Error(err))
		utils.SendReason(c, types.TypeAutoLoginFail, err.Error())
		return false
	}
	if valid {
		r.bindUser(c, userID)
		return true
	}

	pair, err := r.auth.RefreshTokens(ctx, env.TokenData.RefreshToken)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("refresh_error").Inc()
		c.Log().Error("token refresh failed", zap.Error(err))
		utils.SendReason(c, types.TypeAutoLoginFail, err.Error())
		return false
	}
	if pair == nil {
		metrics.AuthFailures.WithLabelValues("invalid_tokens").Inc()
		utils.SendReason(c, types.TypeAutoLoginFail, "Invalid tokens.")
		return false
	}

	r.bindUser(c, pair.UserID)
	utils.SendMessage(c, types.TypeAutoLoginSuccess, types.NewAuthReply(pair))
	return true
}

// bindUser attaches userID to c, warning when the account is already live on another
// connection.
func (r *Router) bindUser(c *types.Client, userID int) {
	if prev, _ := c.UserID(); prev != userID && r.sessions.IsUserConnected(userID) {
		metrics.AuthFailures.WithLabelValues("duplicate_session").Inc()
		c.Log().Warn("user already connected on another connection", zap.Int("user_id", userID))
	}
	c.BindUser(userID)
}
