package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"lending-api/domain"
	"lending-api/fanout"
	"lending-api/internal/consts"
	"lending-api/session"
)

// Dependencies are the collaborators of the HTTP and WebSocket handlers.
// Deduper is optional.
type Dependencies struct {
	State    State
	Auth     Authenticator
	Deduper  Deduper
	Health   Pinger
	Sessions *session.Registry
	Fanout   *fanout.Fanout
	Logger   *log.Logger

	// WSWriteTimeout bounds a single WebSocket frame write.
	WSWriteTimeout time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	e.GET("/healthz", healthz(deps.Health, deps.Sessions))

	g := e.Group("", RequireUser(deps.Auth))
	g.GET("/entities", listEntities(deps.State))
	g.POST("/entities", createEntity(deps.State, deps.Deduper, deps.Logger))
	g.GET("/entities/:id", getEntity(deps.State))
	g.PUT("/entities/:id", updateEntity(deps.State, deps.Logger))
	g.DELETE("/entities/:id", deleteEntity(deps.State, deps.Logger))

	g.GET("/devices", availableDevices(deps.State))
	g.GET("/devices/search", searchDevices(deps.State))
	g.POST("/devices", createDevice(deps.State, deps.Logger))
	g.PUT("/devices/:id", editDevice(deps.State, deps.Logger))
	g.PUT("/devices/:id/loan", lendDevice(deps.State, deps.Logger))

	g.GET("/users/:username/devices", borrowedDevices(deps.State))
	g.POST("/users/:username", registerUser(deps.State, deps.Logger))

	g.GET("/ws", websocketHandler(deps))
}

func healthz(store Pinger, sessions *session.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := healthResponse{Status: "ok"}
		if sessions != nil {
			resp.Sessions = sessions.Len()
		}
		if store != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				resp.Status = "unavailable"
				resp.Error = err.Error()
				return c.JSON(http.StatusServiceUnavailable, resp)
			}
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// instrumented wraps a write handler with request metrics.
func instrumented(logger *log.Logger, route string, next func(c echo.Context, m *requestMetrics) error) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m, ctx := newRequestMetrics(c.Request().Context(), logger, route)
		c.SetRequest(c.Request().WithContext(ctx))
		if d, ok := c.Get(authDurationKey).(time.Duration); ok {
			m.ObserveAuth(d)
		}
		defer func() {
			m.Log(c.Response().Status, err)
		}()
		return next(c, m)
	}
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("body", "malformed JSON")
	}
	return nil
}

// expectedVersion prefers the If-Match header over the version sent in the
// body. Entity tags may be quoted or weak.
func expectedVersion(c echo.Context, fromBody int64) (int64, error) {
	raw := strings.TrimSpace(c.Request().Header.Get(consts.ExpectedVersionHeader))
	if raw == "" {
		raw = c.QueryParam("version")
	}
	if raw == "" {
		return fromBody, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, domain.Invalid("version", "must be a non-negative integer")
	}
	return v, nil
}

func setETag(c echo.Context, version int64) {
	c.Response().Header().Set("ETag", `"`+strconv.FormatInt(version, 10)+`"`)
}

func getEntity(st State) echo.HandlerFunc {
	return func(c echo.Context) error {
		e, err := st.Read(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		setETag(c, e.Version)
		return c.JSON(http.StatusOK, e)
	}
}

func listEntities(st State) echo.HandlerFunc {
	return func(c echo.Context) error {
		ents, err := st.List(c.Request().Context(), c.QueryParam("class"))
		if err != nil {
			return writeError(c, err)
		}
		if ents == nil {
			ents = []domain.Entity{}
		}
		return c.JSON(http.StatusOK, ents)
	}
}

func createEntity(st State, dedup Deduper, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/entities", func(c echo.Context, m *requestMetrics) error {
		ctx := c.Request().Context()
		var req createEntityRequest
		if err := decodeBody(c, &req); err != nil {
			m.Fail("decode", err)
			return writeError(c, err)
		}

		key := strings.TrimSpace(c.Request().Header.Get(consts.IdempotencyKeyHeader))
		user := userFrom(c)
		if key != "" && dedup != nil {
			claimed, existing, err := dedup.Claim(ctx, user, key)
			if err != nil {
				m.Fail("idempotency", err)
				c.Logger().Errorf("idempotency claim: %v", err)
				return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "idempotency store unavailable"})
			}
			if !claimed {
				m.SetIdempotent(true)
				if existing == "" {
					m.SetErrorStage("idempotency_pending")
					return c.JSON(http.StatusConflict, errorResponse{Error: "a request with this idempotency key is in progress"})
				}
				e, err := st.Read(ctx, existing)
				if err != nil {
					m.Fail("state", err)
					return writeError(c, err)
				}
				m.SetEntity(e.ID, e.Version)
				setETag(c, e.Version)
				return c.JSON(http.StatusOK, e)
			}
			m.SetIdempotent(false)
		}

		start := time.Now()
		e, err := st.Create(ctx, req.ID, req.Class, req.Payload)
		m.ObserveState(time.Since(start))
		if err != nil {
			if key != "" && dedup != nil {
				if rerr := dedup.Release(context.WithoutCancel(ctx), user, key); rerr != nil {
					c.Logger().Errorf("idempotency release: %v", rerr)
				}
			}
			m.Fail("state", err)
			return writeError(c, err)
		}
		if key != "" && dedup != nil {
			if cerr := dedup.Complete(context.WithoutCancel(ctx), user, key, e.ID); cerr != nil {
				c.Logger().Errorf("idempotency complete: %v", cerr)
			}
		}
		m.SetEntity(e.ID, e.Version)
		setETag(c, e.Version)
		c.Response().Header().Set(echo.HeaderLocation, "/entities/"+e.ID)
		return c.JSON(http.StatusCreated, e)
	})
}

func updateEntity(st State, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/entities/:id", func(c echo.Context, m *requestMetrics) error {
		var req updateEntityRequest
		if err := decodeBody(c, &req); err != nil {
			m.Fail("decode", err)
			return writeError(c, err)
		}
		version, err := expectedVersion(c, req.Version)
		if err != nil {
			m.Fail("decode", err)
			return writeError(c, err)
		}
		start := time.Now()
		e, err := st.Update(c.Request().Context(), c.Param("id"), req.Class, req.Payload, version)
		m.ObserveState(time.Since(start))
		if err != nil {
			m.Fail("state", err)
			return writeError(c, err)
		}
		m.SetEntity(e.ID, e.Version)
		setETag(c, e.Version)
		return c.JSON(http.StatusOK, e)
	})
}

func deleteEntity(st State, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/entities/:id", func(c echo.Context, m *requestMetrics) error {
		version, err := expectedVersion(c, 0)
		if err != nil {
			m.Fail("decode", err)
			return writeError(c, err)
		}
		start := time.Now()
		e, err := st.Delete(c.Request().Context(), c.Param("id"), version)
		m.ObserveState(time.Since(start))
		if err != nil {
			m.Fail("state", err)
			return writeError(c, err)
		}
		m.SetEntity(e.ID, e.Version)
		setETag(c, e.Version)
		return c.JSON(http.StatusOK, e)
	})
}

func availableDevices(st State) echo.HandlerFunc {
	return func(c echo.Context) error {
		devices, err := st.AvailableDevices(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, nonNil(devices))
	}
}

func searchDevices(st State) echo.HandlerFunc {
	return func(c echo.Context) error {
		criteria, err := domain.ParseCriteria(c.QueryParam("criteria"))
		if err != nil {
			return writeError(c, err)
		}
		devices, err := st.SearchDevices(c.Request().Context(), c.QueryParam("q"), criteria)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, devices)
	}
}

func createDevice(st State, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/devices", func(c echo.Context, m *requestMetrics) error {
		var d domain.NewDevice
		if err := decodeBody(c, &d); err != nil {
			m.Fail("decode", err)
			return writeError(c, err)
		}
		start := time.Now()
		rec, err := st.CreateDevice(c.Request().Context(), d.ID, d.Device)
		m.ObserveState(time.Since(start))
		if err != nil {
			m.Fail("state", err)
			return writeError(c, err)
		}
		m.SetEntity(rec.ID, rec.Version)
		setETag(c, rec.Version)
		c.Response().Header().Set(echo.HeaderLocation, "/entities/"+rec.ID)
		return c.JSON(http.StatusCreated, rec)
	})
}

func editDevice(st State, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/devices/:id", func(c echo.Context, m *requestMetrics) error {
		var req editDeviceRequest
		if err := decodeBody(c, &req); err != nil {
			m.Fail("decode", err)
			return writeError(c, err)
		}
		version, err := expectedVersion(c, req.Version)
		if err != nil {
			m.Fail("decode", err)
			return writeError(c, err)
		}
		start := time.Now()
		rec, err := st.EditDevice(c.Request().Context(), c.Param("id"), req.Device, version)
		m.ObserveState(time.Since(start))
		if err != nil {
			m.Fail("state", err)
			return writeError(c, err)
		}
		m.SetEntity(rec.ID, rec.Version)
		setETag(c, rec.Version)
		return c.JSON(http.StatusOK, rec)
	})
}

func lendDevice(st State, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/devices/:id/loan", func(c echo.Context, m *requestMetrics) error {
		var req loanRequest
		if err := decodeBody(c, &req); err != nil {
			m.Fail("decode", err)
			return writeError(c, err)
		}
		action, err := domain.ParseAction(req.Action)
		if err != nil {
			m.Fail("decode", err)
			return writeError(c, err)
		}
		username := req.Username
		if username == "" {
			username = userFrom(c)
		}
		start := time.Now()
		rec, err := st.Lend(c.Request().Context(), c.Param("id"), username, action)
		m.ObserveState(time.Since(start))
		if err != nil {
			m.Fail("state", err)
			return writeError(c, err)
		}
		m.SetEntity(rec.ID, rec.Version)
		setETag(c, rec.Version)
		return c.JSON(http.StatusOK, rec)
	})
}

func borrowedDevices(st State) echo.HandlerFunc {
	return func(c echo.Context) error {
		devices, err := st.BorrowedBy(c.Request().Context(), c.Param("username"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, nonNil(devices))
	}
}

func registerUser(st State, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/users/:username", func(c echo.Context, m *requestMetrics) error {
		start := time.Now()
		e, created, err := st.RegisterUser(c.Request().Context(), c.Param("username"))
		m.ObserveState(time.Since(start))
		if err != nil {
			m.Fail("state", err)
			return writeError(c, err)
		}
		m.SetEntity(e.ID, e.Version)
		setETag(c, e.Version)
		if created {
			return c.JSON(http.StatusCreated, e)
		}
		return c.JSON(http.StatusOK, e)
	})
}

func nonNil(devices []domain.DeviceRecord) []domain.DeviceRecord {
	if devices == nil {
		return []domain.DeviceRecord{}
	}
	return devices
}
