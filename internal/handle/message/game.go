package message

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"towerward/internal/metrics"
	"towerward/internal/session"
	"towerward/internal/types"
	"towerward/internal/utils"
)

// ModeSinglePlayer is the GameOverDetailed mode counted as a single-player game.
const ModeSinglePlayer = "SinglePlayer"

type waveDoneRequest struct {
	WaveIndex *int `json:"WaveIndex"`
}

type gameOverDetailedRequest struct {
	User1Id    *int   `json:"User1Id"`
	User2Id    *int   `json:"User2Id"`
	Mode       string `json:"Mode"`
	WonUserId  *int   `json:"WonUserId"`
	FinalWave  int    `json:"FinalWave"`
	TimePlayed int    `json:"TimePlayed"`
}

func (r *Router) handleMatchmaking(c *types.Client) {
	err := r.sessions.EnqueueOrPair(c)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrAlreadyMatched):
		utils.SendError(c, "Already in a match.")
	default:
		c.Log().Warn("matchmaking request failed", zap.Error(err))
	}
}

// relay forwards the plaintext envelope untouched. Without an opponent it is a no-op.
func (r *Router) relay(c *types.Client, raw []byte) {
	if opp := r.sessions.Opponent(c); opp != nil {
		utils.Forward(opp, raw)
	}
}

// handleWaveDone advances the shared wave index only for a WaveDone at the current index.
// Stale and duplicate reports are ignored.
func (r *Router) handleWaveDone(c *types.Client, env *types.Envelope) {
	var req waveDoneRequest
	if err := utils.UnmarshalData(env.Data, &req); err != nil || req.WaveIndex == nil {
		metrics.FramesDropped.WithLabelValues("bad_payload").Inc()
		c.Log().Warn("WaveDone without WaveIndex", zap.Error(err))
		return
	}

	next, opp, advanced := r.sessions.AdvanceWave(c, *req.WaveIndex)
	if !advanced {
		c.Log().Debug("ignoring stale WaveDone", zap.Int("wave", *req.WaveIndex))
		return
	}
	if opp == nil {
		return
	}

	msg := types.StartNextWave{
		Type:      types.TypeStartNextWave,
		Data:      types.WaveData{WaveIndex: next},
		WaveIndex: next,
	}
	for _, target := range []*types.Client{c, opp} {
		if err := target.SendJSON(msg); err != nil {
			target.Log().Debug("StartNextWave not delivered", zap.Error(err))
		}
	}
}

// handleAbility marks the ability as coming from the opponent and forwards the whole envelope.
func (r *Router) handleAbility(c *types.Client, raw []byte) {
	opp := r.sessions.Opponent(c)
	if opp == nil {
		return
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.FramesDropped.WithLabelValues("bad_payload").Inc()
		return
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(msg["Data"], &data); err != nil || data == nil {
		metrics.FramesDropped.WithLabelValues("bad_payload").Inc()
		c.Log().Warn("UseMultiplayerAbility without Data object", zap.Error(err))
		return
	}
	data["FromOpponent"] = json.RawMessage("true")

	encoded, err := json.Marshal(data)
	if err != nil {
		c.Log().Error("re-encode ability data", zap.Error(err))
		return
	}
	msg["Data"] = encoded
	out, err := json.Marshal(msg)
	if err != nil {
		c.Log().Error("re-encode ability message", zap.Error(err))
		return
	}
	utils.Forward(opp, out)
}

// handleGameOver forwards to the opponent, then ends the match on both sides. Neither
// connection is put back into the queue.
func (r *Router) handleGameOver(c *types.Client, raw []byte) {
	if opp := r.sessions.Opponent(c); opp != nil {
		utils.Forward(opp, raw)
	}
	r.sessions.EndMatch(c)
}

// handleGameOverDetailed records the finished game. It never replies; failures are logged.
func (r *Router) handleGameOverDetailed(ctx context.Context, c *types.Client, env *types.Envelope) {
	var req gameOverDetailedRequest
	if err := utils.UnmarshalData(env.Data, &req); err != nil || req.User1Id == nil {
		c.Log().Warn("GameOverDetailed without User1Id", zap.Error(err))
		return
	}
	log := c.Log().With(zap.Int("user1", *req.User1Id), zap.String("mode", req.Mode))

	end := r.now().UTC()
	rec := types.GameSessionRecord{
		User1ID:    *req.User1Id,
		User2ID:    req.User2Id,
		Mode:       req.Mode,
		StartTime:  end.Add(-time.Duration(req.TimePlayed) * time.Second),
		EndTime:    end,
		WonUserID:  req.WonUserId,
		FinalWave:  req.FinalWave,
		TimePlayed: req.TimePlayed,
	}
	sessionID, err := r.games.CreateSession(ctx, rec)
	if err != nil {
		log.Error("persist game session failed", zap.Error(err))
		return
	}

	singlePlayer := req.Mode == ModeSinglePlayer
	if err := r.stats.IncrementUserGames(ctx, *req.User1Id, won(req.WonUserId, *req.User1Id), singlePlayer); err != nil {
		log.Error("user1 stats update failed", zap.Error(err))
		return
	}
	if req.User2Id != nil {
		// The second participant is always recorded as a multiplayer game, whatever Mode says.
		if err := r.stats.IncrementUserGames(ctx, *req.User2Id, won(req.WonUserId, *req.User2Id), false); err != nil {
			log.Error("user2 stats update failed", zap.Error(err))
			return
		}
	}
	if err := r.stats.IncrementGlobalGames(ctx, singlePlayer); err != nil {
		log.Error("global stats update failed", zap.Error(err))
		return
	}
	log.Info("game session recorded", zap.Int("session_id", sessionID), zap.Int("time_played", req.TimePlayed))
}

func won(winner *int, userID int) bool {
	return winner != nil && *winner == userID
}
