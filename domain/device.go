package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Entity classes handled by the lending service.
const (
	ClassDevice = "device"
	ClassUser   = "user"
)

// LoanPeriod is how long a device may be kept once borrowed.
const LoanPeriod = 14 * 24 * time.Hour

// Device is the payload of a lendable device entity.
type Device struct {
	Brand        string     `json:"brand"`
	Model        string     `json:"model"`
	Category     string     `json:"category"`
	PurchaseYear int        `json:"purchaseYear"`
	Borrower     string     `json:"borrower,omitempty"`
	ReturnDate   *time.Time `json:"returnDate,omitempty"`
}

// Validate checks the descriptive fields. Loan fields are managed by Borrow
// and Return.
func (d Device) Validate(now time.Time) error {
	if strings.TrimSpace(d.Brand) == "" {
		return Invalid("brand", "must not be empty")
	}
	if strings.TrimSpace(d.Model) == "" {
		return Invalid("model", "must not be empty")
	}
	if strings.TrimSpace(d.Category) == "" {
		return Invalid("category", "must not be empty")
	}
	if d.PurchaseYear < 1900 || d.PurchaseYear > now.Year()+1 {
		return Invalid("purchaseYear", fmt.Sprintf("must be between 1900 and %d", now.Year()+1))
	}
	return nil
}

// Available reports whether nobody holds the device.
func (d Device) Available() bool { return d.Borrower == "" }

// Borrow hands the device to username until now+LoanPeriod.
func (d Device) Borrow(username string, now time.Time) (Device, error) {
	if err := ValidateUsername(username); err != nil {
		return d, err
	}
	if !d.Available() {
		return d, fmt.Errorf("%w: device already borrowed", ErrConflict)
	}
	due := now.Add(LoanPeriod).UTC().Truncate(24 * time.Hour)
	d.Borrower = username
	d.ReturnDate = &due
	return d, nil
}

// Return takes the device back from username.
func (d Device) Return(username string) (Device, error) {
	if err := ValidateUsername(username); err != nil {
		return d, err
	}
	if d.Borrower == "" || d.Borrower != username {
		return d, fmt.Errorf("%w: device is not borrowed by %s", ErrConflict, username)
	}
	d.Borrower = ""
	d.ReturnDate = nil
	return d, nil
}

// EncodeDevice renders the payload stored in an entity.
func EncodeDevice(d Device) ([]byte, error) {
	return sonic.ConfigStd.Marshal(d)
}

// DecodeDevice parses an entity payload.
func DecodeDevice(payload []byte) (Device, error) {
	var d Device
	if err := sonic.ConfigStd.Unmarshal(payload, &d); err != nil {
		return Device{}, Invalid("payload", "not a device: "+err.Error())
	}
	return d, nil
}

// Action is a loan operation requested by a user.
type Action string

const (
	ActionBorrow Action = "borrow"
	ActionReturn Action = "return"
)

func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionBorrow:
		return ActionBorrow, nil
	case ActionReturn:
		return ActionReturn, nil
	}
	return "", Invalid("action", fmt.Sprintf("unknown action %q", s))
}

// SearchCriteria selects the device field a search term is matched against.
type SearchCriteria string

const (
	CriteriaBrand        SearchCriteria = "brand"
	CriteriaModel        SearchCriteria = "model"
	CriteriaCategory     SearchCriteria = "category"
	CriteriaPurchaseYear SearchCriteria = "purchaseyear"
	CriteriaID           SearchCriteria = "id"
)

// ParseCriteria accepts the field names and the display labels used by the
// desktop client.
func ParseCriteria(s string) (SearchCriteria, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "brand", "marke":
		return CriteriaBrand, nil
	case "model", "modell":
		return CriteriaModel, nil
	case "category", "kategorie":
		return CriteriaCategory, nil
	case "purchaseyear", "kaufjahr":
		return CriteriaPurchaseYear, nil
	case "id":
		return CriteriaID, nil
	}
	return "", Invalid("criteria", fmt.Sprintf("unknown search criteria %q", s))
}

// MatchDevice reports whether the device stored under id matches term. IDs
// match exactly, all other fields by case-insensitive substring.
func MatchDevice(id string, d Device, term string, criteria SearchCriteria) bool {
	if criteria == CriteriaID {
		return id == strings.TrimSpace(term)
	}
	var field string
	switch criteria {
	case CriteriaBrand:
		field = d.Brand
	case CriteriaModel:
		field = d.Model
	case CriteriaCategory:
		field = d.Category
	case CriteriaPurchaseYear:
		field = strconv.Itoa(d.PurchaseYear)
	default:
		return false
	}
	return strings.Contains(strings.ToLower(field), strings.ToLower(term))
}

// NewDevice is a device to create. ID is optional; an empty ID gets a
// generated one.
type NewDevice struct {
	ID string `json:"id,omitempty"`
	Device
}

// DeviceRecord is a device together with its entity identity.
type DeviceRecord struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Device
}

// DeviceFromEntity decodes a device entity.
func DeviceFromEntity(e Entity) (DeviceRecord, error) {
	if e.Class != ClassDevice {
		return DeviceRecord{}, Invalid("class", fmt.Sprintf("entity %s is a %s, not a device", e.ID, e.Class))
	}
	d, err := DecodeDevice(e.Payload)
	if err != nil {
		return DeviceRecord{}, err
	}
	return DeviceRecord{ID: e.ID, Version: e.Version, Device: d}, nil
}
