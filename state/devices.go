package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lending-api/domain"
)

// CreateDevice validates d and stores it as a new, available device under
// id, or under a generated id when id is empty. An id already in use is a
// conflict.
func (m *Manager) CreateDevice(ctx context.Context, id string, d domain.Device) (domain.DeviceRecord, error) {
	if id != strings.TrimSpace(id) || strings.Contains(id, "/") {
		return domain.DeviceRecord{}, domain.Invalid("id", "must not contain slashes or surrounding spaces")
	}
	if err := d.Validate(m.now()); err != nil {
		return domain.DeviceRecord{}, err
	}
	d.Borrower, d.ReturnDate = "", nil
	payload, err := domain.EncodeDevice(d)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	e, err := m.Create(ctx, id, domain.ClassDevice, payload)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	return domain.DeviceFromEntity(e)
}

// EditDevice replaces the descriptive fields of a device. The loan state is
// kept as stored.
func (m *Manager) EditDevice(ctx context.Context, id string, d domain.Device, expectedVersion int64) (domain.DeviceRecord, error) {
	if err := d.Validate(m.now()); err != nil {
		return domain.DeviceRecord{}, err
	}
	if expectedVersion <= 0 {
		return domain.DeviceRecord{}, domain.Invalid("version", "expected version is required")
	}
	e, err := m.Write(ctx, id, func(current *domain.Entity) (Change, error) {
		stored, err := currentDevice(current)
		if err != nil {
			return Change{}, err
		}
		if current.Version != expectedVersion {
			return Change{}, versionConflict(id, current.Version, expectedVersion)
		}
		d.Borrower, d.ReturnDate = stored.Borrower, stored.ReturnDate
		payload, err := domain.EncodeDevice(d)
		if err != nil {
			return Change{}, err
		}
		return Change{Class: domain.ClassDevice, Payload: payload}, nil
	})
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	return domain.DeviceFromEntity(e)
}

// Lend borrows or returns a device on behalf of username.
func (m *Manager) Lend(ctx context.Context, id, username string, action domain.Action) (domain.DeviceRecord, error) {
	e, err := m.Write(ctx, id, func(current *domain.Entity) (Change, error) {
		d, err := currentDevice(current)
		if err != nil {
			return Change{}, err
		}
		switch action {
		case domain.ActionBorrow:
			d, err = d.Borrow(username, m.now())
		case domain.ActionReturn:
			d, err = d.Return(username)
		default:
			err = domain.Invalid("action", "unknown action")
		}
		if err != nil {
			return Change{}, err
		}
		payload, err := domain.EncodeDevice(d)
		if err != nil {
			return Change{}, err
		}
		return Change{Class: domain.ClassDevice, Payload: payload}, nil
	})
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	return domain.DeviceFromEntity(e)
}

// Devices returns every device matching keep, ordered by id.
func (m *Manager) Devices(ctx context.Context, keep func(id string, d domain.Device) bool) ([]domain.DeviceRecord, error) {
	ents, err := m.List(ctx, domain.ClassDevice)
	if err != nil {
		return nil, err
	}
	out := []domain.DeviceRecord{}
	for _, e := range ents {
		rec, err := domain.DeviceFromEntity(e)
		if err != nil {
			m.logger.WithField("entity", e.ID).Warnf("skipping malformed device: %v", err)
			continue
		}
		if keep == nil || keep(rec.ID, rec.Device) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AvailableDevices lists devices nobody has borrowed.
func (m *Manager) AvailableDevices(ctx context.Context) ([]domain.DeviceRecord, error) {
	return m.Devices(ctx, func(_ string, d domain.Device) bool { return d.Available() })
}

// BorrowedBy lists the devices held by username.
func (m *Manager) BorrowedBy(ctx context.Context, username string) ([]domain.DeviceRecord, error) {
	if err := domain.ValidateUsername(username); err != nil {
		return nil, err
	}
	return m.Devices(ctx, func(_ string, d domain.Device) bool { return d.Borrower == username })
}

// SearchDevices matches term against the field selected by criteria. An empty
// result is reported as domain.ErrNotFound.
func (m *Manager) SearchDevices(ctx context.Context, term string, criteria domain.SearchCriteria) ([]domain.DeviceRecord, error) {
	if term == "" {
		return nil, domain.Invalid("q", "search term must not be empty")
	}
	found, err := m.Devices(ctx, func(id string, d domain.Device) bool {
		return domain.MatchDevice(id, d, term, criteria)
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, domain.ErrNotFound
	}
	return found, nil
}

// RegisterUser stores username as a user entity. created is false when the
// user already existed; that is not an error.
func (m *Manager) RegisterUser(ctx context.Context, username string) (e domain.Entity, created bool, err error) {
	if err := domain.ValidateUsername(username); err != nil {
		return domain.Entity{}, false, err
	}
	e, err = m.Write(ctx, userID(username), func(current *domain.Entity) (Change, error) {
		if current != nil {
			if current.Class != domain.ClassUser {
				return Change{}, domain.Invalid("username", "name is taken by another entity")
			}
			return Change{}, ErrUnchanged
		}
		payload, err := domain.EncodeUser(domain.User{Username: username, RegisteredAt: m.now().UTC().Truncate(time.Second)})
		if err != nil {
			return Change{}, err
		}
		return Change{Class: domain.ClassUser, Payload: payload}, nil
	})
	if errors.Is(err, ErrUnchanged) {
		return e, false, nil
	}
	if err != nil {
		return domain.Entity{}, false, err
	}
	return e, true, nil
}

// SeedDevices creates devices when the store holds none yet. It returns the
// number of devices created.
func (m *Manager) SeedDevices(ctx context.Context, devices []domain.NewDevice) (int, error) {
	existing, err := m.List(ctx, domain.ClassDevice)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		m.logger.WithField("devices", len(existing)).Info("store already holds devices, skipping seed")
		return 0, nil
	}
	n := 0
	for _, d := range devices {
		if _, err := m.CreateDevice(ctx, d.ID, d.Device); err != nil {
			return n, err
		}
		n++
	}
	m.logger.WithField("devices", n).Info("store seeded")
	return n, nil
}

func userID(username string) string {
	return domain.ClassUser + ":" + username
}

func currentDevice(current *domain.Entity) (domain.Device, error) {
	if current == nil {
		return domain.Device{}, domain.ErrNotFound
	}
	rec, err := domain.DeviceFromEntity(*current)
	if err != nil {
		return domain.Device{}, err
	}
	return rec.Device, nil
}

func versionConflict(id string, have, want int64) error {
	return fmt.Errorf("%w: entity %s is at version %d, not %d", domain.ErrConflict, id, have, want)
}
