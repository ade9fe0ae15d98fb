// internal/types/message.go
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message kinds on the wire. Field names and values are part of the client protocol.
const (
	TypeAESKeyExchange        = "AESKeyExchange"
	TypeServerPublicKey       = "ServerPublicKey"
	TypeMatchmakingRequest    = "MatchmakingRequest"
	TypeMatchWaiting          = "MatchWaiting"
	TypeMatchFound            = "MatchFound"
	TypeSendBalloon           = "SendBalloon"
	TypeGameSnapshot          = "GameSnapshot"
	TypeShowSnapshots         = "ShowSnapshots"
	TypeHideSnapshots         = "HideSnapshots"
	TypeWaveDone              = "WaveDone"
	TypeStartNextWave         = "StartNextWave"
	TypeUseMultiplayerAbility = "UseMultiplayerAbility"
	TypeGameOver              = "GameOver"
	TypeGameOverDetailed      = "GameOverDetailed"
	TypeOpponentDisconnected  = "OpponentDisconnected"
	TypeRegisterUser          = "RegisterUser"
	TypeRegisterSuccess       = "RegisterSuccess"
	TypeRegisterFail          = "RegisterFail"
	TypeLoginUser             = "LoginUser"
	TypeLoginSuccess          = "LoginSuccess"
	TypeLoginFail             = "LoginFail"
	TypeAutoLogin             = "AutoLogin"
	TypeAutoLoginSuccess      = "AutoLoginSuccess"
	TypeAutoLoginFail         = "AutoLoginFail"
	TypeUpdateLastLogin       = "UpdateLastLogin"
	TypeError                 = "Error"
)

// Envelope is an inbound decrypted message.
type Envelope struct {
	Type      string          `json:"Type"`
	Data      json.RawMessage `json:"Data,omitempty"`
	TokenData *TokenData      `json:"TokenData,omitempty"`
}

// TokenData accompanies every gated message.
type TokenData struct {
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
}

// ParseEnvelope decodes a plaintext frame. A frame without a Type is rejected.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope has no Type")
	}
	return &env, nil
}

// Outgoing is the shape of every server-originated message.
type Outgoing struct {
	Type string `json:"Type"`
	Data any    `json:"Data,omitempty"`
}

// ReasonData carries the explanation of a *Fail or Error reply.
type ReasonData struct {
	Reason string `json:"Reason"`
}

// MatchFoundData tells each side who it was paired with; -1 when the opponent never authenticated.
type MatchFoundData struct {
	OpponentId int `json:"OpponentId"`
}

// WaveData is the payload of WaveDone and StartNextWave.
type WaveData struct {
	WaveIndex int `json:"WaveIndex"`
}

// StartNextWave keeps the index duplicated at the top level for older clients.
type StartNextWave struct {
	Type      string   `json:"Type"`
	Data      WaveData `json:"Data"`
	WaveIndex int      `json:"WaveIndex"`
}

// TokenPair is what the auth provider issues on login or refresh.
type TokenPair struct {
	UserID             int
	AccessToken        string
	AccessTokenExpiry  time.Time
	RefreshToken       string
	RefreshTokenExpiry time.Time
}

// AuthReply is the Data of RegisterSuccess, LoginSuccess and AutoLoginSuccess. Expiries are
// null when AutoLogin echoes tokens that were still valid.
type AuthReply struct {
	UserId             int        `json:"UserId"`
	AccessToken        string     `json:"AccessToken"`
	AccessTokenExpiry  *time.Time `json:"AccessTokenExpiry"`
	RefreshToken       string     `json:"RefreshToken"`
	RefreshTokenExpiry *time.Time `json:"RefreshTokenExpiry"`
}

// NewAuthReply converts an issued token pair.
func NewAuthReply(p *TokenPair) AuthReply {
	access, refresh := p.AccessTokenExpiry, p.RefreshTokenExpiry
	return AuthReply{
		UserId:             p.UserID,
		AccessToken:        p.AccessToken,
		AccessTokenExpiry:  &access,
		RefreshToken:       p.RefreshToken,
		RefreshTokenExpiry: &refresh,
	}
}

// SendJSON marshals v and sends it encrypted.
func (c *Client) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.SendEncrypted(raw)
}
