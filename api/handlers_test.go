package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"lending-api/domain"
	"lending-api/fanout"
	"lending-api/session"
	"lending-api/state"
	"lending-api/storage"
)

type testEnv struct {
	e        *echo.Echo
	state    *state.Manager
	sessions *session.Registry
	hook     *test.Hook
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return domain.ErrStoreUnavailable }

func newTestEnv(t *testing.T, mutate func(*Dependencies)) *testEnv {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	reg := session.NewRegistry(session.Config{QueueCapacity: 64, IdleTimeout: time.Minute}, logger)
	fan := fanout.New(reg, logger)
	store := storage.NewMemory()
	mgr := state.NewManager(store, fan, logger, state.Options{WriteTimeout: time.Second})

	deps := Dependencies{
		State:    mgr,
		Auth:     Anonymous{},
		Health:   store,
		Sessions: reg,
		Fanout:   fan,
		Logger:   logger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	e := echo.New()
	e.Use(DecompressRequests())
	Register(e, deps)
	t.Cleanup(reg.Shutdown)
	return &testEnv{e: e, state: mgr, sessions: reg, hook: hook}
}

func (env *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decodeEntity(t *testing.T, rec *httptest.ResponseRecorder) domain.Entity {
	t.Helper()
	var e domain.Entity
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode entity %q: %v", rec.Body.String(), err)
	}
	return e
}

func TestEntityLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/entities", `{"id":"n1","class":"note","payload":{"text":"a"}}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeEntity(t, rec)
	if created.ID != "n1" || created.Version != 1 {
		t.Fatalf("unexpected created entity %+v", created)
	}
	if rec.Header().Get(echo.HeaderLocation) != "/entities/n1" {
		t.Fatalf("unexpected location %q", rec.Header().Get(echo.HeaderLocation))
	}

	rec = env.do(t, http.MethodPut, "/entities/n1", `{"payload":{"text":"b"},"version":1}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if e := decodeEntity(t, rec); e.Version != 2 {
		t.Fatalf("expected version 2, got %d", e.Version)
	}

	rec = env.do(t, http.MethodGet, "/entities/n1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	got := decodeEntity(t, rec)
	if got.Version != 2 || string(got.Payload) != `{"text":"b"}` {
		t.Fatalf("unexpected entity %+v", got)
	}
	if rec.Header().Get("ETag") != `"2"` {
		t.Fatalf("unexpected etag %q", rec.Header().Get("ETag"))
	}

	rec = env.do(t, http.MethodDelete, "/entities/n1", "", map[string]string{"If-Match": `"2"`})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if e := decodeEntity(t, rec); e.Version != 3 {
		t.Fatalf("expected tombstone version 3, got %d", e.Version)
	}

	if rec = env.do(t, http.MethodGet, "/entities/n1", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", rec.Code)
	}
}

func TestEntityErrorStatuses(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodPost, "/entities", `{"id":"n1","class":"note","payload":1}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("seed: %d", rec.Code)
	}

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		headers map[string]string
		want    int
	}{
		{"missing entity", http.MethodGet, "/entities/nope", "", nil, http.StatusNotFound},
		{"duplicate create", http.MethodPost, "/entities", `{"id":"n1","class":"note","payload":2}`, nil, http.StatusConflict},
		{"malformed body", http.MethodPost, "/entities", `{"class":`, nil, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/entities", `{"class":"note","payload":1,"extra":true}`, nil, http.StatusBadRequest},
		{"missing class", http.MethodPost, "/entities", `{"payload":1}`, nil, http.StatusBadRequest},
		{"stale version", http.MethodPut, "/entities/n1", `{"payload":3,"version":7}`, nil, http.StatusConflict},
		{"missing version", http.MethodPut, "/entities/n1", `{"payload":3}`, nil, http.StatusBadRequest},
		{"bad if-match", http.MethodPut, "/entities/n1", `{"payload":3}`, map[string]string{"If-Match": "abc"}, http.StatusBadRequest},
		{"update missing", http.MethodPut, "/entities/nope", `{"payload":3,"version":1}`, nil, http.StatusNotFound},
		{"class change", http.MethodPut, "/entities/n1", `{"class":"other","payload":3,"version":1}`, nil, http.StatusBadRequest},
		{"stale delete", http.MethodDelete, "/entities/n1?version=5", "", nil, http.StatusConflict},
		{"delete missing", http.MethodDelete, "/entities/nope", "", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body, tt.headers)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestConcurrentUpdatesExactlyOneWins(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/entities", `{"id":"n1","class":"note","payload":0}`, nil)

	const writers = 8
	codes := make(chan int, writers)
	for i := 0; i < writers; i++ {
		go func() {
			codes <- env.do(t, http.MethodPut, "/entities/n1", `{"payload":1,"version":1}`, nil).Code
		}()
	}
	ok, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		switch <-codes {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflicts++
		}
	}
	if ok != 1 || conflicts != writers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", writers-1, ok, conflicts)
	}
}

func TestListEntitiesByClass(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/entities", `{"id":"a","class":"note","payload":1}`, nil)
	env.do(t, http.MethodPost, "/entities", `{"id":"b","class":"todo","payload":1}`, nil)

	rec := env.do(t, http.MethodGet, "/entities?class=note", "", nil)
	var ents []domain.Entity
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &ents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ents) != 1 || ents[0].ID != "a" {
		t.Fatalf("unexpected list %+v", ents)
	}

	rec = env.do(t, http.MethodGet, "/entities?class=none", "", nil)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestCreateEntityIdempotencyKey(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env := newTestEnv(t, func(d *Dependencies) {
		d.Deduper = NewRedisDeduper(client, time.Minute)
	})

	headers := map[string]string{"Idempotency-Key": "k1"}
	first := env.do(t, http.MethodPost, "/entities", `{"class":"note","payload":1}`, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first create: %d %s", first.Code, first.Body.String())
	}
	second := env.do(t, http.MethodPost, "/entities", `{"class":"note","payload":1}`, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("replayed create: expected 200, got %d", second.Code)
	}
	if a, b := decodeEntity(t, first), decodeEntity(t, second); a.ID != b.ID || b.Version != 1 {
		t.Fatalf("replay returned a different entity: %+v vs %+v", a, b)
	}

	// A failed create releases the key.
	bad := map[string]string{"Idempotency-Key": "k2"}
	if rec := env.do(t, http.MethodPost, "/entities", `{"payload":1}`, bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid create: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/entities", `{"class":"note","payload":1}`, bad); rec.Code != http.StatusCreated {
		t.Fatalf("retry after failure: expected 201, got %d", rec.Code)
	}

	ents, _ := env.state.List(context.Background(), "note")
	if len(ents) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(ents))
	}
}

func TestDeviceLending(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/devices", `{"brand":"Apple","model":"iPad Air","category":"Tablet","purchaseYear":2021}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create device: %d %s", rec.Code, rec.Body.String())
	}
	var dev domain.DeviceRecord
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &dev); err != nil {
		t.Fatalf("decode device: %v", err)
	}
	if rec := env.do(t, http.MethodPost, "/devices", `{"brand":"","model":"x","category":"y","purchaseYear":2020}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid device: expected 400, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/users/alice", "", nil); rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/users/alice", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("register again: expected 200, got %d", rec.Code)
	}

	loan := "/devices/" + dev.ID + "/loan"
	if rec := env.do(t, http.MethodPut, loan, `{"username":"alice","action":"borrow"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("borrow: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPut, loan, `{"username":"bob","action":"borrow"}`, nil); rec.Code != http.StatusConflict {
		t.Fatalf("borrow borrowed device: expected 409, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, loan, `{"username":"bob","action":"return"}`, nil); rec.Code != http.StatusConflict {
		t.Fatalf("return someone else's loan: expected 409, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, loan, `{"username":"alice","action":"steal"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/users/alice/devices", "", nil)
	var mine []domain.DeviceRecord
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &mine); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(mine) != 1 || mine[0].Borrower != "alice" || mine[0].ReturnDate == nil {
		t.Fatalf("unexpected borrowed devices %+v", mine)
	}

	if rec := env.do(t, http.MethodGet, "/devices", "", nil); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected no available devices, got %s", rec.Body.String())
	}

	if rec := env.do(t, http.MethodPut, loan, `{"username":"alice","action":"return"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("return: %d", rec.Code)
	}
	edit := `{"brand":"Apple","model":"iPad Pro","category":"Tablet","purchaseYear":2022,"version":3}`
	if rec := env.do(t, http.MethodPut, "/devices/"+dev.ID, edit, nil); rec.Code != http.StatusOK {
		t.Fatalf("edit: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPut, "/devices/"+dev.ID, edit, nil); rec.Code != http.StatusConflict {
		t.Fatalf("stale edit: expected 409, got %d", rec.Code)
	}
}

func TestCreateDeviceWithChosenID(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"id":"inv-0042","brand":"Canon","model":"EOS 250D","category":"Kamera","purchaseYear":2021}`

	rec := env.do(t, http.MethodPost, "/devices", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create device: %d %s", rec.Code, rec.Body.String())
	}
	var dev domain.DeviceRecord
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &dev); err != nil {
		t.Fatalf("decode device: %v", err)
	}
	if dev.ID != "inv-0042" || dev.Model != "EOS 250D" {
		t.Fatalf("unexpected device %+v", dev)
	}
	if loc := rec.Header().Get(echo.HeaderLocation); loc != "/entities/inv-0042" {
		t.Fatalf("unexpected location %q", loc)
	}

	if rec := env.do(t, http.MethodPost, "/devices", body, nil); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate id: expected 409, got %d", rec.Code)
	}
}

func TestSearchDevices(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/devices", `{"brand":"Lenovo","model":"ThinkPad X1","category":"Laptop","purchaseYear":2020}`, nil)
	env.do(t, http.MethodPost, "/devices", `{"brand":"Dell","model":"XPS 13","category":"Laptop","purchaseYear":2019}`, nil)

	tests := []struct {
		query string
		want  int
		count int
	}{
		{"q=laptop&criteria=category", http.StatusOK, 2},
		{"q=think&criteria=model", http.StatusOK, 1},
		{"q=2019&criteria=kaufjahr", http.StatusOK, 1},
		{"q=apple&criteria=brand", http.StatusNotFound, 0},
		{"q=apple&criteria=colour", http.StatusBadRequest, 0},
		{"criteria=brand", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodGet, "/devices/search?"+tt.query, "", nil)
		if rec.Code != tt.want {
			t.Fatalf("%s: expected %d, got %d", tt.query, tt.want, rec.Code)
		}
		if tt.want != http.StatusOK {
			continue
		}
		var found []domain.DeviceRecord
		if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &found); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(found) != tt.count {
			t.Fatalf("%s: expected %d devices, got %d", tt.query, tt.count, len(found))
		}
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	down := newTestEnv(t, func(d *Dependencies) { d.Health = failingPinger{} })
	if rec := down.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

type rejectAll struct{}

func (rejectAll) UserIDFromAuthHeader(string) (string, error) { return "", errors.New("nope") }

func TestRoutesRequireAuthentication(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.Auth = rejectAll{} })
	if rec := env.do(t, http.MethodGet, "/entities/x", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", rec.Code)
	}
}

func TestWriteRequestsAreLogged(t *testing.T) {
	env := newTestEnv(t, nil)
	env.hook.Reset()
	env.do(t, http.MethodPut, "/entities/missing", `{"payload":1,"version":1}`, nil)

	var entry *log.Entry
	for _, e := range env.hook.AllEntries() {
		if e.Message == requestLogMessage {
			entry = e
		}
	}
	if entry == nil {
		t.Fatal("expected a request metrics entry")
	}
	if entry.Data["status"] != http.StatusNotFound {
		t.Fatalf("unexpected status field %v", entry.Data["status"])
	}
	if entry.Data["error_stage"] != "state" {
		t.Fatalf("unexpected error stage %v", entry.Data["error_stage"])
	}
	if entry.Data["route"] != "/entities/:id" {
		t.Fatalf("unexpected route %v", entry.Data["route"])
	}
}
