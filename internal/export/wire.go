package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// wireSignal is the JSON wire format (flat, compact).
type wireSignal struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"src"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"cid,omitempty"`
	Timestamp     int64           `json:"ts"`
	LogID         string          `json:"log_id,omitempty"`
}

// Encode renders a signal in the wire format.
func Encode(sig *signal.Signal) ([]byte, error) {
	w := wireSignal{
		ID:            sig.ID,
		Type:          sig.Type,
		Source:        sig.Source,
		CorrelationID: sig.CorrelationID,
		Timestamp:     sig.Time.UnixMilli(),
		LogID:         sig.LogID,
	}
	if sig.Data != nil {
		data, err := json.Marshal(sig.Data)
		if err != nil {
			return nil, fmt.Errorf("encode signal %s data: %w", sig.ID, err)
		}
		w.Data = data
	}
	return json.Marshal(w)
}

// Decode parses a wire message into a validated signal. The log id is
// dropped: it belongs to the bus that produced the message.
func Decode(data []byte) (*signal.Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}

	var payload any
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode signal data: %w", err)
		}
	}

	opts := []signal.Option{signal.WithCorrelationID(w.CorrelationID)}
	if w.ID != "" {
		opts = append(opts, signal.WithID(w.ID))
	}
	if w.Timestamp > 0 {
		opts = append(opts, signal.WithTime(time.UnixMilli(w.Timestamp).UTC()))
	}
	return signal.New(w.Type, w.Source, payload, opts...)
}
