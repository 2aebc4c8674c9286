package domain

// AnyClass matches every entity class.
const AnyClass = "*"

// Selector picks the entities a session wants deltas for. Exactly one of
// EntityID and Class is set.
type Selector struct {
	EntityID string `json:"entityId,omitempty"`
	Class    string `json:"class,omitempty"`
}

func (s Selector) Validate() error {
	switch {
	case s.EntityID == "" && s.Class == "":
		return Invalid("selector", "entityId or class is required")
	case s.EntityID != "" && s.Class != "":
		return Invalid("selector", "entityId and class are mutually exclusive")
	}
	return nil
}

// Matches reports whether an entity of the given id and class is selected.
func (s Selector) Matches(id, class string) bool {
	if s.EntityID != "" {
		return s.EntityID == id
	}
	return s.Class == AnyClass || s.Class == class
}

// Key is a stable identity used to store selectors in sets.
func (s Selector) Key() string {
	if s.EntityID != "" {
		return "id:" + s.EntityID
	}
	return "class:" + s.Class
}
