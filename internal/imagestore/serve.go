package imagestore

import (
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

// Handler serves stored images read-only. Mount it as GET <prefix>/*.
func (s *Store) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		rel := strings.TrimPrefix(c.Param("*"), "/")
		if rel == "" || !fs.ValidPath(rel) {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid file path")
		}

		f, err := s.Open(rel)
		if err != nil {
			return s.mapOpenError(err, rel)
		}
		defer func() {
			if err := f.Close(); err != nil {
				s.log.Warn("failed to close image", logger.Error(err))
			}
		}()

		stat, err := f.Stat()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get file info").SetInternal(err)
		}
		if !stat.Mode().IsRegular() {
			return echo.NewHTTPError(http.StatusNotFound, "File not found")
		}

		contentType := mime.TypeByExtension(path.Ext(rel))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Response().Header().Set(echo.HeaderContentType, contentType)
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")

		http.ServeContent(c.Response(), c.Request(), path.Base(rel), stat.ModTime(), f)
		return nil
	}
}

func (s *Store) mapOpenError(err error, rel string) *echo.HTTPError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	case errors.Is(err, fs.ErrPermission):
		return echo.NewHTTPError(http.StatusForbidden, "Access denied")
	default:
		// os.Root reports escapes and other invalid names here
		s.log.Warn("rejected image request", logger.String("path", rel), logger.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid file path").SetInternal(err)
	}
}
