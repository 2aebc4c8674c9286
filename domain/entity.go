package domain

import (
	"encoding/json"
	"time"
)

// Kind describes what a committed mutation did to an entity.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Entity is a versioned record owned by the state manager.
type Entity struct {
	ID        string          `json:"id"`
	Class     string          `json:"class"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	Deleted   bool            `json:"-"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Clone returns a copy that shares no memory with e.
func (e Entity) Clone() Entity {
	e.Payload = clonePayload(e.Payload)
	return e
}

// ChangeDelta describes one committed mutation. Values are never modified
// after NewDelta returns them.
type ChangeDelta struct {
	EntityID string          `json:"entityId"`
	Class    string          `json:"class"`
	Version  int64           `json:"version"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Time     time.Time       `json:"time"`
}

// NewDelta snapshots the committed entity into a delta.
func NewDelta(committed Entity, kind Kind) ChangeDelta {
	d := ChangeDelta{
		EntityID: committed.ID,
		Class:    committed.Class,
		Version:  committed.Version,
		Kind:     kind,
		Time:     committed.UpdatedAt,
	}
	if kind != KindDelete {
		d.Payload = clonePayload(committed.Payload)
	}
	return d
}

func clonePayload(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	out := make(json.RawMessage, len(p))
	copy(out, p)
	return out
}
