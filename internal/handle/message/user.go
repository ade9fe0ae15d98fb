package message

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"towerward/internal/metrics"
	"towerward/internal/types"
	"towerward/internal/utils"
)

type credentials struct {
	Username string `json:"Username"`
	Password string `json:"Password"`
}

type autoLoginRequest struct {
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
}

type lastLoginRequest struct {
	UserId *int `json:"UserId"`
}

func (r *Router) handleRegister(ctx context.Context, c *types.Client, env *types.Envelope) {
	var req credentials
	if err := utils.UnmarshalData(env.Data, &req); err != nil {
		utils.SendReason(c, types.TypeRegisterFail, "Invalid register format")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		utils.SendReason(c, types.TypeRegisterFail, "Username and password are required")
		return
	}

	unlock := r.registering.Lock(req.Username)
	defer unlock()

	existing, err := r.users.FindByUsername(ctx, req.Username)
	if err != nil {
		c.Log().Error("register: user lookup failed", zap.Error(err))
		utils.SendReason(c, types.TypeRegisterFail, err.Error())
		return
	}
	if existing != nil {
		utils.SendReason(c, types.TypeRegisterFail, "Username already taken")
		return
	}

	userID, err := r.users.Create(ctx, req.Username, req.Password, DefaultAvatar)
	if err != nil {
		c.Log().Error("register: create user failed", zap.Error(err))
		utils.SendReason(c, types.TypeRegisterFail, err.Error())
		return
	}
	if err := r.stats.IncrementGlobalUsers(ctx, 1); err != nil {
		c.Log().Error("register: global user count failed", zap.Error(err))
		utils.SendReason(c, types.TypeRegisterFail, err.Error())
		return
	}

	pair, err := r.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		c.Log().Error("register: auto-login failed", zap.Error(err))
		utils.SendReason(c, types.TypeRegisterFail, err.Error())
		return
	}
	if pair == nil {
		utils.SendReason(c, types.TypeRegisterFail, "Could not auto-login")
		return
	}

	r.bindUser(c, userID)
	reply := types.NewAuthReply(pair)
	reply.UserId = userID
	c.Log().Info("user registered", zap.String("username", req.Username))
	utils.SendMessage(c, types.TypeRegisterSuccess, reply)
}

func (r *Router) handleLogin(ctx context.Context, c *types.Client, env *types.Envelope) {
	var req credentials
	if err := utils.UnmarshalData(env.Data, &req); err != nil {
		utils.SendReason(c, types.TypeLoginFail, "Invalid login format")
		return
	}

	pair, err := r.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		c.Log().Error("login failed", zap.Error(err))
		utils.SendReason(c, types.TypeLoginFail, err.Error())
		return
	}
	if pair == nil {
		metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
		utils.SendReason(c, types.TypeLoginFail, "Incorrect username or password")
		return
	}

	r.bindUser(c, pair.UserID)
	c.Log().Info("user logged in")
	utils.SendMessage(c, types.TypeLoginSuccess, types.NewAuthReply(pair))
}

// handleAutoLogin echoes still-valid tokens without minting new ones; otherwise it tries a
// refresh.
func (r *Router) handleAutoLogin(ctx context.Context, c *types.Client, env *types.Envelope) {
	var req autoLoginRequest
	if err := utils.UnmarshalData(env.Data, &req); err != nil {
		utils.SendReason(c, types.TypeAutoLoginFail, "Invalid auto-login format")
		return
	}

	valid, userID, err := r.auth.ValidateAccessToken(ctx, req.AccessToken)
	if err != nil {
		utils.SendReason(c, types.TypeAutoLoginFail, err.Error())
		return
	}
	if valid {
		r.bindUser(c, userID)
		utils.SendMessage(c, types.TypeAutoLoginSuccess, types.AuthReply{
			UserId:       userID,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
		})
		return
	}

	pair, err := r.auth.RefreshTokens(ctx, req.RefreshToken)
	if err != nil {
		utils.SendReason(c, types.TypeAutoLoginFail, err.Error())
		return
	}
	if pair == nil {
		metrics.AuthFailures.WithLabelValues("invalid_tokens").Inc()
		utils.SendReason(c, types.TypeAutoLoginFail, "Expired or invalid access/refresh token. Must re-login.")
		return
	}
	r.bindUser(c, pair.UserID)
	utils.SendMessage(c, types.TypeAutoLoginSuccess, types.NewAuthReply(pair))
}

// handleUpdateLastLogin is bookkeeping only; failures never reach the client.
func (r *Router) handleUpdateLastLogin(ctx context.Context, c *types.Client, env *types.Envelope) {
	var req lastLoginRequest
	if err := utils.UnmarshalData(env.Data, &req); err != nil || req.UserId == nil {
		c.Log().Warn("UpdateLastLogin without UserId", zap.Error(err))
		return
	}
	if err := r.users.TouchLastLogin(ctx, *req.UserId); err != nil {
		c.Log().Warn("UpdateLastLogin failed", zap.Int("target_user", *req.UserId), zap.Error(err))
		return
	}
	c.Log().Debug("last login updated", zap.Int("target_user", *req.UserId))
}
