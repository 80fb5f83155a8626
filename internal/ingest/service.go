package ingest

import (
	"context"
	"io"
	"time"

	"github.com/tphakala/skywatch/internal/broadcast"
	"github.com/tphakala/skywatch/internal/datastore"
	"github.com/tphakala/skywatch/internal/detection"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
	"github.com/tphakala/skywatch/internal/observability/metrics"
)

// Transport labels.
const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"
)

// ImageStore materializes submitted images.
type ImageStore interface {
	SaveStream(kind detection.Kind, filename string, r io.Reader) (string, error)
	SaveDataURI(kind detection.Kind, encoded string) (string, error)
	Remove(ref string) error
}

// Recorder receives ingestion outcomes. *metrics.IngestMetrics satisfies it.
type Recorder interface {
	RecordAccepted(kind, transport string, n int)
	RecordRejected(kind, transport string)
	RecordFailure(kind, transport, stage string)
	RecordImage(kind, result string)
	ObserveDuration(kind, transport string, d time.Duration)
}

// Image is an optional image attached to a defensive submission. Set Body
// for an uploaded file or Base64 for an inline image.
type Image struct {
	Filename string
	Body     io.Reader
	Base64   string
}

// Service is the shared back end of the HTTP and bus adapters. It normalizes,
// materializes images and hands records to the Coordinator.
type Service struct {
	coordinator *Coordinator
	normalizer  *detection.Normalizer
	images      ImageStore
	metrics     Recorder
	now         func() time.Time
	log         logger.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *detection.Normalizer) ServiceOption {
	return func(s *Service) { s.normalizer = n }
}

// WithRecorder attaches ingestion metrics.
func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) { s.metrics = r }
}

// WithClock sets the time source for bus message receipt times.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// NewService creates the ingestion service.
func NewService(coordinator *Coordinator, images ImageStore, opts ...ServiceOption) *Service {
	s := &Service{
		coordinator: coordinator,
		images:      images,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.normalizer == nil {
		s.normalizer = detection.NewNormalizer()
	}
	if s.metrics == nil {
		s.metrics = noopRecorder{}
	}
	if s.log == nil {
		s.log = logger.Global().Module("ingest")
	}
	return s
}

// IngestDefensive normalizes a defensive submission, stores its image and
// submits it. It returns detection.ErrNoUsableDetections when the fields
// carry no usable position; no image is written in that case. Undecodable
// images are dropped and the alert is stored without one.
func (s *Service) IngestDefensive(ctx context.Context, fields map[string]any, img *Image) (*datastore.DefensiveAlert, error) {
	const kind = string(detection.KindDefensive)
	start := time.Now()

	d, err := s.normalizer.Defensive(fields)
	if err != nil {
		s.metrics.RecordRejected(kind, TransportHTTP)
		return nil, err
	}

	ref, err := s.materialize(img)
	if err != nil {
		s.metrics.RecordFailure(kind, TransportHTTP, metrics.StageImage)
		return nil, err
	}
	if ref != "" {
		d.ImageRef = &ref
	}

	alert, err := s.coordinator.SubmitDefensive(ctx, &d)
	if err != nil {
		s.metrics.RecordFailure(kind, TransportHTTP, metrics.StagePersist)
		s.discardImage(ref)
		return nil, err
	}

	s.metrics.RecordAccepted(kind, TransportHTTP, 1)
	s.metrics.ObserveDuration(kind, TransportHTTP, time.Since(start))
	return alert, nil
}

// IngestOffensive normalizes a single record or a batch and submits the
// usable detections as one batch.
func (s *Service) IngestOffensive(ctx context.Context, raw any) (*BatchPayload, error) {
	const kind = string(detection.KindOffensive)
	start := time.Now()

	batch, err := s.normalizer.Offensive(raw)
	if err != nil {
		s.metrics.RecordRejected(kind, TransportHTTP)
		return nil, err
	}

	payload, err := s.coordinator.SubmitOffensive(ctx, &batch)
	if err != nil {
		s.metrics.RecordFailure(kind, TransportHTTP, metrics.StagePersist)
		return nil, err
	}

	s.metrics.RecordAccepted(kind, TransportHTTP, len(payload.Objects))
	s.metrics.ObserveDuration(kind, TransportHTTP, time.Since(start))
	return payload, nil
}

// IngestBusMessage handles one telemetry bus message. The raw message is
// logged, stored and published on mqtt_message before any parsing, so a
// malformed or rejected payload still leaves a trace. Each usable detection
// is then submitted on its own. It returns the number of stored detections
// and the last error, for callers that only log.
func (s *Service) IngestBusMessage(ctx context.Context, topic string, payload []byte) (int, error) {
	const kind = string(detection.KindOffensive)
	start := time.Now()
	text := string(payload)
	receivedAt := s.now().UTC()

	s.log.Info("bus message received",
		logger.String("topic", topic),
		logger.String("payload", text))

	// the raw log and the detection path fail independently
	if err := s.coordinator.store.SaveMessage(ctx, &datastore.Message{Topic: topic, Payload: text}); err != nil {
		s.metrics.RecordFailure(kind, TransportMQTT, "message_log")
		s.log.Error("failed to store bus message",
			logger.String("topic", topic),
			logger.Error(err))
	}
	s.coordinator.publisher.Publish(broadcast.EventMQTTMessage, MessagePayload{
		Topic:      topic,
		Payload:    text,
		ReceivedAt: receivedAt,
	})

	raw, err := detection.DecodePayloadBytes(payload)
	if err != nil {
		s.metrics.RecordRejected(kind, TransportMQTT)
		s.log.Warn("dropping malformed bus message",
			logger.String("topic", topic),
			logger.Error(err))
		return 0, errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileParsing).
			Context("topic", topic).
			Build()
	}

	batch, err := s.normalizer.Offensive(raw)
	if err != nil {
		s.metrics.RecordRejected(kind, TransportMQTT)
		s.log.Warn("dropping bus message without usable detections",
			logger.String("topic", topic))
		return 0, err
	}

	var (
		stored  int
		lastErr error
	)
	for i := range batch.Detections {
		one := detection.Batch{
			SourceID:   batch.SourceID,
			CameraMeta: batch.CameraMeta,
			Timestamp:  batch.Detections[i].Timestamp,
			Detections: batch.Detections[i : i+1],
		}
		if _, err := s.coordinator.SubmitOffensive(ctx, &one); err != nil {
			lastErr = err
			s.metrics.RecordFailure(kind, TransportMQTT, metrics.StagePersist)
			s.log.Error("failed to store bus detection",
				logger.String("topic", topic),
				logger.String("drone_id", batch.Detections[i].ObjectID),
				logger.Error(err))
			continue
		}
		stored++
	}

	if stored > 0 {
		s.metrics.RecordAccepted(kind, TransportMQTT, stored)
		s.metrics.ObserveDuration(kind, TransportMQTT, time.Since(start))
	}
	return stored, lastErr
}

// materialize stores img and returns its reference, or "" when there is no
// usable image.
func (s *Service) materialize(img *Image) (string, error) {
	const kind = detection.KindDefensive
	if img == nil {
		return "", nil
	}

	var (
		ref string
		err error
	)
	switch {
	case img.Body != nil:
		ref, err = s.images.SaveStream(kind, img.Filename, img.Body)
	case img.Base64 != "":
		ref, err = s.images.SaveDataURI(kind, img.Base64)
	default:
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if ref == "" {
		s.metrics.RecordImage(string(kind), metrics.ImageDiscarded)
	} else {
		s.metrics.RecordImage(string(kind), metrics.ImageStored)
	}
	return ref, nil
}

// discardImage removes an image whose record could not be stored
func (s *Service) discardImage(ref string) {
	if ref == "" {
		return
	}
	if err := s.images.Remove(ref); err != nil {
		s.log.Warn("failed to remove orphaned image",
			logger.String("ref", ref),
			logger.Error(err))
	}
}

type noopRecorder struct{}

func (noopRecorder) RecordAccepted(string, string, int)            {}
func (noopRecorder) RecordRejected(string, string)                 {}
func (noopRecorder) RecordFailure(string, string, string)          {}
func (noopRecorder) RecordImage(string, string)                    {}
func (noopRecorder) ObserveDuration(string, string, time.Duration) {}
