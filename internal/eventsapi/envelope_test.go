package eventsapi

import (
	"errors"
	"strings"
	"testing"
)

const callbackBody = `{
	"token": "tok",
	"team_id": "T1",
	"api_app_id": "A1",
	"type": "event_callback",
	"event_id": "Ev1",
	"event_time": 1700000000,
	"authed_users": ["U1"],
	"event": {"type": "message", "channel": "C1", "user": "U2", "text": "hi", "ts": "1.0"}
}`

func TestParseEnvelopeStampsLocalFields(t *testing.T) {
	env, err := ParseEnvelope([]byte(callbackBody))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if env.TeamID != "T1" || env.EventID != "Ev1" || env.EventTime != 1700000000 {
		t.Fatalf("unexpected envelope fields: %+v", env)
	}
	if env.EventType() != "message" {
		t.Fatalf("expected inner event type message, got %q", env.EventType())
	}
	if !strings.HasPrefix(env.EnvelopeID, "env_") {
		t.Fatalf("expected generated envelope id, got %q", env.EnvelopeID)
	}
	if env.ReceivedAt.IsZero() {
		t.Fatalf("expected received time to be stamped")
	}
}

func TestParseEnvelopeRejectsMalformedBodies(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"type": "  "}`} {
		if _, err := ParseEnvelope([]byte(body)); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", body, err)
		}
	}
}

func TestEnvelopeSurvivesQueueEncoding(t *testing.T) {
	env, err := ParseEnvelope([]byte(callbackBody))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	env.Attempts = 2
	payload, err := encodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.EnvelopeID != env.EnvelopeID || decoded.Attempts != 2 || decoded.Event["channel"] != "C1" {
		t.Fatalf("envelope changed through the queue: %+v", decoded)
	}
	if !decoded.ReceivedAt.Equal(env.ReceivedAt) {
		t.Fatalf("expected received time %v, got %v", env.ReceivedAt, decoded.ReceivedAt)
	}
}
