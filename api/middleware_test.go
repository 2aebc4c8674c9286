package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/labstack/echo/v4"
)

func echoBody(t *testing.T) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.Use(DecompressRequests())
	e.POST("/echo", func(c echo.Context) error {
		data, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
	})
	return e
}

func TestDecompressRequests(t *testing.T) {
	e := echoBody(t)
	payload := []byte(`{"class":"device","payload":{"brand":"Apple"}}`)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write(payload)
	_ = gw.Close()

	var zl bytes.Buffer
	zw := zlib.NewWriter(&zl)
	_, _ = zw.Write(payload)
	_ = zw.Close()

	tests := []struct {
		name     string
		encoding string
		body     []byte
		status   int
	}{
		{"plain", "", payload, http.StatusOK},
		{"gzip", "gzip", gz.Bytes(), http.StatusOK},
		{"deflate", "deflate", zl.Bytes(), http.StatusOK},
		{"corrupt gzip", "gzip", []byte("not gzip"), http.StatusBadRequest},
		{"unknown coding", "br", payload, http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(tt.body))
			if tt.encoding != "" {
				req.Header.Set(echo.HeaderContentEncoding, tt.encoding)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status == http.StatusOK && !bytes.Equal(rec.Body.Bytes(), payload) {
				t.Fatalf("unexpected body %q", rec.Body.String())
			}
		})
	}
}

func TestCreateEntityWithGzipBody(t *testing.T) {
	env := newTestEnv(t, nil)
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(`{"id":"n1","class":"note","payload":{"text":"hi"}}`))
	_ = gw.Close()

	req := httptest.NewRequest(http.MethodPost, "/entities", &gz)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}
