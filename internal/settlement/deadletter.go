package settlement

import (
	"encoding/json"
	"time"
)

// DeadLetter wraps a request that could not be settled
type DeadLetter struct {
	SourceTopic string          `json:"source_topic"`
	Partition   int32           `json:"partition"`
	Offset      int64           `json:"offset"`
	Error       string          `json:"error"`
	Permanent   bool            `json:"permanent"`
	Payload     json.RawMessage `json:"payload"`
	FailedAt    time.Time       `json:"failed_at"`
}

// NewDeadLetter builds the dead letter record for payload
func NewDeadLetter(topic string, partition int32, offset int64, payload []byte, err error) ([]byte, error) {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		encoded, mErr := json.Marshal(string(payload))
		if mErr != nil {
			return nil, mErr
		}
		raw = encoded
	}
	return json.Marshal(DeadLetter{
		SourceTopic: topic,
		Partition:   partition,
		Offset:      offset,
		Error:       err.Error(),
		Permanent:   Permanent(err),
		Payload:     raw,
		FailedAt:    time.Now().UTC(),
	})
}
