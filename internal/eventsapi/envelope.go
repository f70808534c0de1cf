package eventsapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrQueueFull      = errors.New("queue full")
	ErrDuplicate      = errors.New("duplicate event")
	ErrNotImplemented = errors.New("not implemented")
	ErrUnknownTeam    = errors.New("unknown team")
	ErrClosed         = errors.New("dispatcher closed")
)

const (
	TypeURLVerification = "url_verification"
	TypeEventCallback   = "event_callback"
	TypeAppRateLimited  = "app_rate_limited"
)

// Envelope is one Events API delivery. The fields after Event are
// assigned locally on intake and travel with the envelope through the
// queue.
type Envelope struct {
	Token             string         `json:"token,omitempty"`
	TeamID            string         `json:"team_id,omitempty"`
	APIAppID          string         `json:"api_app_id,omitempty"`
	Type              string         `json:"type"`
	Challenge         string         `json:"challenge,omitempty"`
	EventID           string         `json:"event_id,omitempty"`
	EventTime         int64          `json:"event_time,omitempty"`
	AuthedUsers       []string       `json:"authed_users,omitempty"`
	MinuteRateLimited int64          `json:"minute_rate_limited,omitempty"`
	Event             map[string]any `json:"event,omitempty"`

	EnvelopeID    string    `json:"envelope_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReceivedAt    time.Time `json:"received_at,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
}

// EventType is the inner event's type, or "" for envelopes that carry
// no event.
func (e Envelope) EventType() string {
	if e.Event == nil {
		return ""
	}
	t, _ := e.Event["type"].(string)
	return t
}

// Queued is returned by Ingest. Duplicate deliveries report the id of
// the envelope already accepted for the same event.
type Queued struct {
	Status        string `json:"status"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ParseEnvelope decodes a delivery body and stamps the local fields
// that are still empty.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing envelope type", ErrInvalidInput)
	}
	stamp(&env)
	return env, nil
}

func stamp(env *Envelope) {
	if env.EnvelopeID == "" {
		env.EnvelopeID = "env_" + uuid.NewString()
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}
}

func encodeEnvelope(env Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
