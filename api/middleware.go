package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/labstack/echo/v4"
)

// DecompressRequests unwraps gzip and deflate request bodies before they
// reach the JSON decoders. A body that fails to open is a 400, any other
// content coding is a 415.
func DecompressRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			coding := strings.ToLower(strings.TrimSpace(req.Header.Get(echo.HeaderContentEncoding)))
			if coding == "" || coding == "identity" {
				return next(c)
			}
			var (
				rc  io.ReadCloser
				err error
			)
			switch coding {
			case "gzip", "x-gzip":
				rc, err = gzip.NewReader(req.Body)
			case "deflate":
				rc, err = zlib.NewReader(req.Body)
			default:
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding "+coding)
			}
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+coding+" body")
			}
			req.Body = decodedBody{Reader: rc, inner: rc, outer: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

type decodedBody struct {
	io.Reader
	inner io.Closer
	outer io.Closer
}

func (b decodedBody) Close() error {
	err := b.inner.Close()
	if cerr := b.outer.Close(); err == nil {
		err = cerr
	}
	return err
}
