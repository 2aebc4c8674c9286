package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewDeltaCopiesPayload(t *testing.T) {
	ent := Entity{ID: "a", Class: "device", Version: 4, Payload: json.RawMessage(`{"x":1}`), UpdatedAt: time.Unix(10, 0)}
	d := NewDelta(ent, KindUpdate)
	ent.Payload[2] = 'y'
	if string(d.Payload) != `{"x":1}` {
		t.Fatalf("delta payload aliased entity payload: %s", d.Payload)
	}
	if d.Version != 4 || d.EntityID != "a" || d.Kind != KindUpdate || !d.Time.Equal(time.Unix(10, 0)) {
		t.Fatalf("unexpected delta %+v", d)
	}

	del := NewDelta(ent, KindDelete)
	if del.Payload != nil {
		t.Fatalf("delete delta must not carry a payload, got %s", del.Payload)
	}
}

func TestSelector(t *testing.T) {
	if err := (Selector{}).Validate(); !IsValidation(err) {
		t.Fatalf("expected empty selector to be invalid, got %v", err)
	}
	if err := (Selector{EntityID: "a", Class: "device"}).Validate(); !IsValidation(err) {
		t.Fatalf("expected ambiguous selector to be invalid, got %v", err)
	}

	byID := Selector{EntityID: "a"}
	if !byID.Matches("a", "device") || byID.Matches("b", "device") {
		t.Fatal("id selector matched wrong entities")
	}
	byClass := Selector{Class: "device"}
	if !byClass.Matches("x", "device") || byClass.Matches("x", "user") {
		t.Fatal("class selector matched wrong entities")
	}
	if !(Selector{Class: AnyClass}).Matches("x", "user") {
		t.Fatal("wildcard selector must match every class")
	}
	if byID.Key() == (Selector{Class: "a"}).Key() {
		t.Fatal("id and class selectors must have distinct keys")
	}
}

func TestIsConflict(t *testing.T) {
	if !IsConflict(fmt.Errorf("put: %w", ErrStaleVersion)) {
		t.Fatal("stale version must count as conflict")
	}
	if !IsConflict(fmt.Errorf("%w: already borrowed", ErrConflict)) {
		t.Fatal("wrapped conflict not detected")
	}
	if IsConflict(errors.New("boom")) {
		t.Fatal("plain error reported as conflict")
	}
}
