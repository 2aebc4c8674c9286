package session

import (
	"encoding/json"

	"github.com/bytedance/sonic"

	"lending-api/domain"
)

// Op names a WebSocket message.
type Op string

const (
	// Client to server.
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPong        Op = "pong"
	OpPing        Op = "ping"
	OpGet         Op = "get"
	OpPut         Op = "put"

	// Server to client. OpPing and OpPong are used in both directions.
	OpWelcome      Op = "welcome"
	OpSubscribed   Op = "subscribed"
	OpUnsubscribed Op = "unsubscribed"
	OpDelta        Op = "delta"
	OpResync       Op = "resync"
	OpEntity       Op = "entity"
	OpCommitted    Op = "committed"
	OpError        Op = "error"
)

// Message is the JSON frame exchanged over a session.
type Message struct {
	Op        Op               `json:"op"`
	Selector  *domain.Selector `json:"selector,omitempty"`
	EntityID  string           `json:"entityId,omitempty"`
	Class     string           `json:"class,omitempty"`
	Version   int64            `json:"version,omitempty"`
	Kind      domain.Kind      `json:"kind,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Error     string           `json:"error,omitempty"`
	Code      string           `json:"code,omitempty"`
}

// EntityMessage renders an entity as a reply of the given op.
func EntityMessage(op Op, e domain.Entity) Message {
	return Message{
		Op:       op,
		EntityID: e.ID,
		Class:    e.Class,
		Version:  e.Version,
		Payload:  e.Payload,
	}
}

// DeltaMessage renders a committed delta for the wire.
func DeltaMessage(d domain.ChangeDelta) Message {
	return Message{
		Op:       OpDelta,
		EntityID: d.EntityID,
		Class:    d.Class,
		Version:  d.Version,
		Kind:     d.Kind,
		Payload:  d.Payload,
	}
}

func Encode(m Message) ([]byte, error) {
	return sonic.ConfigStd.Marshal(m)
}

// Decode parses a client frame. Unknown ops are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := sonic.ConfigStd.Unmarshal(data, &m); err != nil {
		return Message{}, domain.Invalid("message", "malformed JSON")
	}
	switch m.Op {
	case OpSubscribe, OpUnsubscribe:
		if m.Selector == nil {
			return Message{}, domain.Invalid("selector", "required for "+string(m.Op))
		}
		if err := m.Selector.Validate(); err != nil {
			return Message{}, err
		}
	case OpGet:
		if m.EntityID == "" {
			return Message{}, domain.Invalid("entityId", "required for get")
		}
	case OpPut:
		switch {
		case m.EntityID == "":
			return Message{}, domain.Invalid("entityId", "required for put")
		case m.Version <= 0:
			return Message{}, domain.Invalid("version", "expected version is required")
		case len(m.Payload) == 0:
			return Message{}, domain.Invalid("payload", "required for put")
		}
	case OpPing, OpPong:
	case "":
		return Message{}, domain.Invalid("op", "required")
	default:
		return Message{}, domain.Invalid("op", "unknown op "+string(m.Op))
	}
	return m, nil
}
