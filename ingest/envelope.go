package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zllovesuki/gameway/action"
)

// MessageType is the positional tag leading every envelope
type MessageType int

// define the envelope types of the wire protocol
const (
	MessageConsoleLog MessageType = iota
	MessageAnalytics
	MessageRemoteConfig
	MessageActions
	MessageModeration
	MessageShutdown
	MessageChat
	MessageMetrics
	MessageScriptConfig
)

// Envelope is one wire unit: a json array [type, ...args]. Args are kept raw
// and decoded per type by the handler that consumes them.
type Envelope struct {
	Type MessageType
	Args []json.RawMessage
	Raw  json.RawMessage
}

// DecodeEnvelope parses the outer tuple. A malformed tuple is rejected with
// an error, never a panic.
func DecodeEnvelope(raw json.RawMessage) (*Envelope, error) {
	parts := make([]json.RawMessage, 0)
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("envelope is not a json array: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("envelope has no message type")
	}
	var msgType int
	if err := json.Unmarshal(parts[0], &msgType); err != nil {
		return nil, fmt.Errorf("envelope message type is not a number: %w", err)
	}
	return &Envelope{
		Type: MessageType(msgType),
		Args: parts[1:],
		Raw:  raw,
	}, nil
}

// AnalyticsEvent is the decoded inner shape of an analytics envelope:
// [name, time, segments, data] with time in epoch seconds
type AnalyticsEvent struct {
	Name     string
	Time     time.Time
	Segments map[string]string
	Data     json.RawMessage
}

// Analytics decodes the envelope as an analytics event
func (e *Envelope) Analytics() (*AnalyticsEvent, error) {
	if e.Type != MessageAnalytics {
		return nil, fmt.Errorf("envelope type %d is not analytics", e.Type)
	}
	if len(e.Args) < 4 {
		return nil, fmt.Errorf("analytics envelope has %d args, expected 4", len(e.Args))
	}
	event := AnalyticsEvent{}
	if err := json.Unmarshal(e.Args[0], &event.Name); err != nil {
		return nil, fmt.Errorf("analytics name is not a string: %w", err)
	}
	var seconds float64
	if err := json.Unmarshal(e.Args[1], &seconds); err != nil {
		return nil, fmt.Errorf("analytics time is not a number: %w", err)
	}
	// the remote reports fractional epoch seconds with at most millisecond
	// resolution; truncating here keeps the value stable across a round trip
	// through a microsecond-precision timestamp column
	event.Time = time.Unix(0, int64(seconds*1000)*int64(time.Millisecond))
	if err := json.Unmarshal(e.Args[2], &event.Segments); err != nil {
		return nil, fmt.Errorf("analytics segments are not a string map: %w", err)
	}
	event.Data = e.Args[3]
	return &event, nil
}

// ActionMessage is the decoded inner shape of an actions envelope:
// [kind, ...kindSpecificArgs]
type ActionMessage struct {
	Kind action.MessageKind
	Args []json.RawMessage
}

// Action decodes the envelope as an actions sub-protocol message
func (e *Envelope) Action() (*ActionMessage, error) {
	if e.Type != MessageActions {
		return nil, fmt.Errorf("envelope type %d is not actions", e.Type)
	}
	if len(e.Args) == 0 {
		return nil, fmt.Errorf("actions envelope has no kind")
	}
	var kind int
	if err := json.Unmarshal(e.Args[0], &kind); err != nil {
		return nil, fmt.Errorf("actions kind is not a number: %w", err)
	}
	return &ActionMessage{
		Kind: action.MessageKind(kind),
		Args: e.Args[1:],
	}, nil
}
