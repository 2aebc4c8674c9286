package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"lending-api/domain"
)

const (
	entitiesPartition = "entities"

	edmInt64    = "Edm.Int64"
	edmDateTime = "Edm.DateTime"
)

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, options *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Tables stores entities in a single Azure Storage table partition so that a
// transaction maps onto one entity group transaction. Optimistic concurrency
// is enforced with ETags.
type Tables struct {
	client tableClient
}

// NewTables connects to the named table. The table must already exist (see
// Provision).
func NewTables(connStr, table string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{client: svc.NewClient(table)}, nil
}

type tableEntity struct {
	aztables.Entity
	Class         string    `json:"Class"`
	Version       int64     `json:"Version,string"`
	VersionType   string    `json:"Version@odata.type"`
	Payload       string    `json:"Payload"`
	Deleted       bool      `json:"Deleted"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

func encodeTableEntity(e domain.Entity) ([]byte, error) {
	return json.Marshal(tableEntity{
		Entity:        aztables.Entity{PartitionKey: entitiesPartition, RowKey: e.ID},
		Class:         e.Class,
		Version:       e.Version,
		VersionType:   edmInt64,
		Payload:       string(e.Payload),
		Deleted:       e.Deleted,
		UpdatedAt:     e.UpdatedAt.UTC(),
		UpdatedAtType: edmDateTime,
	})
}

func decodeTableEntity(data []byte) (domain.Entity, error) {
	var ent tableEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Entity{}, err
	}
	e := domain.Entity{
		ID:        ent.RowKey,
		Class:     ent.Class,
		Version:   ent.Version,
		Deleted:   ent.Deleted,
		UpdatedAt: ent.UpdatedAt,
	}
	if ent.Payload != "" {
		e.Payload = json.RawMessage(ent.Payload)
	}
	return e, nil
}

type tablesTx struct {
	t       *Tables
	read    map[string]tableRead
	actions []aztables.TransactionAction
	index   map[string]int
}

type tableRead struct {
	entity domain.Entity
	etag   azcore.ETag
	exists bool
}

func (t *Tables) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &tablesTx{t: t, read: make(map[string]tableRead), index: make(map[string]int)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.actions) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.client.SubmitTransaction(ctx, tx.actions, nil); err != nil {
		return classifyTablesError(err)
	}
	return nil
}

func (tx *tablesTx) load(ctx context.Context, id string) (tableRead, error) {
	if r, ok := tx.read[id]; ok {
		return r, nil
	}
	resp, err := tx.t.client.GetEntity(ctx, entitiesPartition, id, nil)
	if err != nil {
		err = classifyTablesError(err)
		if errors.Is(err, domain.ErrNotFound) {
			r := tableRead{}
			tx.read[id] = r
			return r, nil
		}
		return tableRead{}, err
	}
	e, err := decodeTableEntity(resp.Value)
	if err != nil {
		return tableRead{}, fmt.Errorf("decode entity %s: %w", id, err)
	}
	r := tableRead{entity: e, etag: resp.ETag, exists: true}
	tx.read[id] = r
	return r, nil
}

func (tx *tablesTx) Get(ctx context.Context, id string) (domain.Entity, error) {
	r, err := tx.load(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	if !r.exists && r.entity.Version == 0 {
		return domain.Entity{}, domain.ErrNotFound
	}
	return r.entity.Clone(), nil
}

func (tx *tablesTx) Put(ctx context.Context, id string, rec Record, expectedVersion int64) (domain.Entity, error) {
	r, err := tx.load(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	if r.entity.Version != expectedVersion {
		return domain.Entity{}, domain.ErrStaleVersion
	}
	next := domain.Entity{
		ID:        id,
		Class:     rec.Class,
		Version:   expectedVersion + 1,
		Payload:   rec.Payload,
		Deleted:   rec.Deleted,
		UpdatedAt: time.Now().UTC(),
	}
	body, err := encodeTableEntity(next)
	if err != nil {
		return domain.Entity{}, err
	}

	// An entity group transaction may touch each row once, so a second Put
	// in the same transaction rewrites the staged action.
	if i, ok := tx.index[id]; ok {
		tx.actions[i].Entity = body
	} else {
		action := aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: body}
		if r.exists {
			etag := r.etag
			action.ActionType = aztables.TransactionTypeUpdateReplace
			action.IfMatch = &etag
		}
		tx.index[id] = len(tx.actions)
		tx.actions = append(tx.actions, action)
	}
	tx.read[id] = tableRead{entity: next.Clone(), etag: r.etag, exists: r.exists}
	return next, nil
}

func (t *Tables) Get(ctx context.Context, id string) (domain.Entity, error) {
	resp, err := t.client.GetEntity(ctx, entitiesPartition, id, nil)
	if err != nil {
		return domain.Entity{}, classifyTablesError(err)
	}
	return live(decodeTableEntity(resp.Value))
}

func (t *Tables) List(ctx context.Context, class string) ([]domain.Entity, error) {
	filter := "PartitionKey eq '" + entitiesPartition + "' and Deleted eq false"
	if class != "" {
		filter += " and Class eq '" + escapeODataString(class) + "'"
	}
	pager := t.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.Entity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classifyTablesError(err)
		}
		for _, raw := range resp.Entities {
			e, err := decodeTableEntity(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *Tables) Ping(ctx context.Context) error {
	top := int32(1)
	pager := t.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	if _, err := pager.NextPage(ctx); err != nil {
		return classifyTablesError(err)
	}
	return nil
}

func (t *Tables) Close() error { return nil }

func escapeODataString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func classifyTablesError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.ErrorCode == string(aztables.EntityAlreadyExists),
			respErr.ErrorCode == string(aztables.UpdateConditionNotSatisfied),
			respErr.StatusCode == 409, respErr.StatusCode == 412:
			return fmt.Errorf("%w: %s", domain.ErrStaleVersion, respErr.ErrorCode)
		case respErr.StatusCode == 404:
			return domain.ErrNotFound
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
