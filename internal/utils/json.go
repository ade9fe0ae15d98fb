// internal/utils/json.go
package utils

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"towerward/internal/types"
)

var errMissingData = errors.New("message has no Data")

// SendMessage encrypts and queues {Type, Data} for c. Delivery failures are logged, since the
// peer may be mid-teardown.
func SendMessage(c *types.Client, typ string, data any) {
	if err := c.SendJSON(types.Outgoing{Type: typ, Data: data}); err != nil {
		c.Log().Debug("message not delivered", zap.String("type", typ), zap.Error(err))
	}
}

// SendReason replies with a {Reason} payload, the shape of every *Fail message.
func SendReason(c *types.Client, typ, reason string) {
	SendMessage(c, typ, types.ReasonData{Reason: reason})
}

// SendError replies with an Error message.
func SendError(c *types.Client, reason string) {
	SendReason(c, types.TypeError, reason)
}

// Forward relays an already-encoded plaintext envelope to c.
func Forward(c *types.Client, raw []byte) {
	if err := c.SendEncrypted(raw); err != nil {
		c.Log().Debug("relay not delivered", zap.Error(err))
	}
}

// UnmarshalData decodes an envelope's Data into target. A missing Data is an error.
func UnmarshalData(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return errMissingData
	}
	return json.Unmarshal(data, target)
}
