package action

// EnvelopeType is the top-level message type identifying the actions channel
// on the wire
const EnvelopeType = 3

// MessageKind identifies the sub-messages of the actions channel
type MessageKind int

const (
	MessageCall MessageKind = iota
	MessageRunning
	MessageResult
	MessageSave
	MessageLog
)
