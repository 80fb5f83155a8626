// internal/api/v1/alerts.go
package api

import (
	"mime"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/skywatch/internal/detection"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/ingest"
)

const (
	// imageFormField carries the optional file of a multipart alert
	imageFormField = "image"
	// imageBase64Field carries the optional inline image of a JSON alert
	imageBase64Field = "imageBase64"

	maxMultipartMemory = 32 << 20
)

// initAlertRoutes registers the defensive alert endpoints
func (c *Controller) initAlertRoutes() {
	alerts := c.Group.Group("/alerts")
	alerts.POST("", c.PostAlert)
	alerts.GET("", c.GetAlerts)
	alerts.GET("/history", c.GetAlertHistory)
	alerts.GET("/cameras", c.GetCameras)
}

// PostAlert accepts a defensive submission as multipart form data with an
// optional "image" file, or as JSON with an optional "imageBase64" field.
func (c *Controller) PostAlert(ctx echo.Context) error {
	var (
		alertFields map[string]any
		img         *ingest.Image
		err         error
	)

	if isMultipart(ctx.Request()) {
		alertFields, img, err = c.readMultipartAlert(ctx)
		if img != nil {
			if closer, ok := img.Body.(interface{ Close() error }); ok {
				defer func() { _ = closer.Close() }()
			}
		}
	} else {
		alertFields, img, err = readJSONAlert(ctx)
	}
	if err != nil {
		code, message := alertBodyErrorStatus(err)
		return c.HandleError(ctx, err, message, code)
	}

	alert, err := c.ingest.IngestDefensive(ctx.Request().Context(), alertFields, img)
	if err != nil {
		return c.handleIngestError(ctx, err, "Failed to save defensive alert")
	}
	return ctx.JSON(http.StatusCreated, alert)
}

// GetAlerts returns the latest defensive alerts, newest first.
func (c *Controller) GetAlerts(ctx echo.Context) error {
	alerts, err := c.history.LatestAlerts(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load alerts", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, alerts)
}

// GetAlertHistory returns defensive alerts in a time range, optionally for
// one camera.
func (c *Controller) GetAlertHistory(ctx echo.Context) error {
	q, err := parseHistoryQuery(ctx, "cameraId")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid history query", http.StatusBadRequest)
	}

	alerts, err := c.history.Defensive(ctx.Request().Context(), q)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load alert history", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, alerts)
}

// GetCameras returns the per-camera rollup ordered by camera id.
func (c *Controller) GetCameras(ctx echo.Context) error {
	cameras, err := c.history.Sources(ctx.Request().Context(), detection.KindDefensive)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load cameras", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, cameras)
}

// alertBodyErrorStatus maps a failure to read an alert body. A malformed
// body is the client's fault; an upload that cannot be opened is ours.
func alertBodyErrorStatus(err error) (int, string) {
	if errors.IsCategory(err, errors.CategoryFileIO) {
		return http.StatusInternalServerError, "Failed to read uploaded image"
	}
	return http.StatusBadRequest, "Invalid alert body"
}

// readMultipartAlert takes the first value of every form field and the
// optional image file. The caller closes the image body.
func (c *Controller) readMultipartAlert(ctx echo.Context) (map[string]any, *ingest.Image, error) {
	req := ctx.Request()
	if err := req.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, nil, errors.New(err).
			Component("api").
			Category(errors.CategoryValidation).
			Context("operation", "parse-multipart").
			Build()
	}

	fields := make(map[string]any, len(req.MultipartForm.Value))
	for name, values := range req.MultipartForm.Value {
		if len(values) > 0 {
			fields[name] = values[0]
		}
	}

	files := req.MultipartForm.File[imageFormField]
	if len(files) == 0 {
		return fields, nil, nil
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, nil, errors.New(err).
			Component("api").
			Category(errors.CategoryFileIO).
			Context("operation", "open-upload").
			Build()
	}
	return fields, &ingest.Image{Filename: files[0].Filename, Body: f}, nil
}

// readJSONAlert decodes a JSON object body and lifts out the inline image.
func readJSONAlert(ctx echo.Context) (map[string]any, *ingest.Image, error) {
	raw, err := detection.DecodePayload(ctx.Request().Body)
	if err != nil {
		return nil, nil, errors.New(err).
			Component("api").
			Category(errors.CategoryFileParsing).
			Context("operation", "decode-alert").
			Build()
	}

	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, errors.Newf("alert body must be a JSON object").
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}

	encoded, _ := fields[imageBase64Field].(string)
	delete(fields, imageBase64Field)
	if strings.TrimSpace(encoded) == "" {
		return fields, nil, nil
	}
	return fields, &ingest.Image{Base64: encoded}, nil
}

// handleIngestError maps rejection to 400 and everything else to 500.
func (c *Controller) handleIngestError(ctx echo.Context, err error, message string) error {
	if errors.Is(err, detection.ErrNoUsableDetections) {
		return c.HandleError(ctx, err, "No usable detection: lat and long are required", http.StatusBadRequest)
	}
	return c.HandleError(ctx, err, message, http.StatusInternalServerError)
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get(echo.HeaderContentType))
	return err == nil && mediaType == echo.MIMEMultipartForm
}
