package api

import (
	"context"
	"encoding/json"

	"lending-api/domain"
)

const maxBodySize = 64 * 1024 // 64 KiB

// State is the part of the state manager exposed over HTTP and WebSocket.
type State interface {
	Read(ctx context.Context, id string) (domain.Entity, error)
	List(ctx context.Context, class string) ([]domain.Entity, error)
	Create(ctx context.Context, id, class string, payload json.RawMessage) (domain.Entity, error)
	Update(ctx context.Context, id, class string, payload json.RawMessage, expectedVersion int64) (domain.Entity, error)
	Delete(ctx context.Context, id string, expectedVersion int64) (domain.Entity, error)

	AvailableDevices(ctx context.Context) ([]domain.DeviceRecord, error)
	SearchDevices(ctx context.Context, term string, criteria domain.SearchCriteria) ([]domain.DeviceRecord, error)
	BorrowedBy(ctx context.Context, username string) ([]domain.DeviceRecord, error)
	CreateDevice(ctx context.Context, id string, d domain.Device) (domain.DeviceRecord, error)
	EditDevice(ctx context.Context, id string, d domain.Device, expectedVersion int64) (domain.DeviceRecord, error)
	Lend(ctx context.Context, id, username string, action domain.Action) (domain.DeviceRecord, error)
	RegisterUser(ctx context.Context, username string) (domain.Entity, bool, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper remembers which entity an idempotency key created.
type Deduper interface {
	// Claim reserves key. When the key is already taken it returns the id of
	// the entity created under it, or "" while that request is still running.
	Claim(ctx context.Context, userID, key string) (claimed bool, entityID string, err error)
	// Complete records the entity created under a claimed key.
	Complete(ctx context.Context, userID, key, entityID string) error
	// Release forgets a claimed key so the request may be retried.
	Release(ctx context.Context, userID, key string) error
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// POST /entities request body. Id is optional.
type createEntityRequest struct {
	ID      string          `json:"id,omitempty"`
	Class   string          `json:"class"`
	Payload json.RawMessage `json:"payload"`
}

// PUT /entities/:id request body. The expected version may also be sent in
// the If-Match header.
type updateEntityRequest struct {
	Class   string          `json:"class,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Version int64           `json:"version"`
}

// PUT /devices/:id request body.
type editDeviceRequest struct {
	domain.Device
	Version int64 `json:"version"`
}

// PUT /devices/:id/loan request body.
type loanRequest struct {
	Username string `json:"username"`
	Action   string `json:"action"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Error    string `json:"error,omitempty"`
}
