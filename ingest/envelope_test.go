package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/zllovesuki/gameway/action"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope(json.RawMessage(`[1, "heartbeat", 1700000000, {}, {}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != MessageAnalytics {
		t.Fatalf("expected analytics type, got %d", env.Type)
	}
	if len(env.Args) != 4 {
		t.Fatalf("expected 4 args, got %d", len(env.Args))
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"type": 1}`},
		{"empty array", `[]`},
		{"non-numeric type", `["analytics", "heartbeat"]`},
		{"not json", `garbage`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := DecodeEnvelope(json.RawMessage(c.raw)); err == nil {
				t.Fatalf("expected error for %s", c.raw)
			}
		})
	}
}

func TestAnalyticsDecode(t *testing.T) {
	env, err := DecodeEnvelope(json.RawMessage(`[1, "playerJoin", 1700000000, {"player": "123", "session": "s-1"}, {"countryCode": "US"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	event, err := env.Analytics()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Name != "playerJoin" {
		t.Fatalf("expected playerJoin, got %s", event.Name)
	}
	if !event.Time.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("expected time from epoch seconds, got %v", event.Time)
	}
	if event.Segments["player"] != "123" || event.Segments["session"] != "s-1" {
		t.Fatalf("unexpected segments: %v", event.Segments)
	}
	var data map[string]string
	if err := json.Unmarshal(event.Data, &data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data["countryCode"] != "US" {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestAnalyticsDecodeFractionalTime(t *testing.T) {
	env, err := DecodeEnvelope(json.RawMessage(`[1, "playerJoin", 1700000000.123, {"player": "123"}, {}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	event, err := env.Analytics()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Unix(0, 1700000000123*int64(time.Millisecond))
	if !event.Time.Equal(want) {
		t.Fatalf("expected %v, got %v", want, event.Time)
	}
	// the database column stores microseconds, so the decoded time has to
	// survive that truncation or a replayed join would not compare equal
	if !event.Time.Truncate(time.Microsecond).Equal(event.Time) {
		t.Fatalf("expected a microsecond-aligned time, got %v", event.Time)
	}
}

func TestAnalyticsDecodeTooFewArgs(t *testing.T) {
	env, err := DecodeEnvelope(json.RawMessage(`[1, "heartbeat"]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.Analytics(); err == nil {
		t.Fatalf("expected error for truncated analytics envelope")
	}
}

func TestActionDecode(t *testing.T) {
	env, err := DecodeEnvelope(json.RawMessage(`[3, 2, "exec-1", true, {"healed": 10}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := env.Action()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Kind != action.MessageResult {
		t.Fatalf("expected result kind, got %d", msg.Kind)
	}
	if len(msg.Args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(msg.Args))
	}
}

func TestActionDecodeWrongType(t *testing.T) {
	env, err := DecodeEnvelope(json.RawMessage(`[1, "heartbeat", 1, {}, {}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.Action(); err == nil {
		t.Fatalf("expected error decoding analytics envelope as actions")
	}
}
