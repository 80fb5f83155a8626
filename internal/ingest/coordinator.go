// Package ingest persists normalized detections and publishes them live.
//
// The Coordinator is the only path from a normalized detection to storage
// and fan-out: within one submission the write always completes before the
// publish, and a failed or absent subscriber never undoes the write.
package ingest

import (
	"context"
	"time"

	"github.com/tphakala/skywatch/internal/broadcast"
	"github.com/tphakala/skywatch/internal/datastore"
	"github.com/tphakala/skywatch/internal/detection"
	"github.com/tphakala/skywatch/internal/logger"
)

// Store is the write side of the datastore.
type Store interface {
	SaveDefensiveAlert(ctx context.Context, alert *datastore.DefensiveAlert) error
	SaveOffensiveDetections(ctx context.Context, rows []datastore.OffensiveDetection) error
	SaveMessage(ctx context.Context, msg *datastore.Message) error
}

// Invalidator drops cached read models after a write.
type Invalidator interface {
	Invalidate(kind detection.Kind)
}

// ObjectPayload is one offensive detection in a batch payload.
type ObjectPayload struct {
	DroneID   string    `json:"droneId"`
	Lat       float64   `json:"lat"`
	Long      float64   `json:"long"`
	Alt       *float64  `json:"alt"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchPayload is the object_detection event and the offensive HTTP response.
type BatchPayload struct {
	Source     string          `json:"source"`
	CameraMeta any             `json:"cameraMeta"`
	Timestamp  time.Time       `json:"timestamp"`
	Objects    []ObjectPayload `json:"objects"`
}

// MessagePayload is the mqtt_message event.
type MessagePayload struct {
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Coordinator stores records, then publishes them.
type Coordinator struct {
	store       Store
	publisher   broadcast.Publisher
	invalidator Invalidator
	log         logger.Logger
}

// NewCoordinator creates a coordinator. invalidator may be nil.
func NewCoordinator(store Store, publisher broadcast.Publisher, invalidator Invalidator, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Global().Module("ingest")
	}
	return &Coordinator{
		store:       store,
		publisher:   publisher,
		invalidator: invalidator,
		log:         log,
	}
}

// SubmitDefensive persists one defensive detection and publishes the stored
// row on defensive_alert.
func (c *Coordinator) SubmitDefensive(ctx context.Context, d *detection.Detection) (*datastore.DefensiveAlert, error) {
	alert := datastore.NewDefensiveAlert(d)
	if err := c.store.SaveDefensiveAlert(ctx, alert); err != nil {
		return nil, err
	}
	c.invalidate(detection.KindDefensive)

	c.publisher.Publish(broadcast.EventDefensiveAlert, alert)
	c.log.Debug("defensive alert stored",
		logger.Int("alert_id", int(alert.ID)),
		logger.String("camera_id", alert.CameraID),
		logger.Int("objects", len(alert.Objects)))
	return alert, nil
}

// SubmitOffensive persists every detection of the batch as its own row and
// publishes a single object_detection event for the batch.
func (c *Coordinator) SubmitOffensive(ctx context.Context, b *detection.Batch) (*BatchPayload, error) {
	rows := datastore.NewOffensiveDetections(b)
	if err := c.store.SaveOffensiveDetections(ctx, rows); err != nil {
		return nil, err
	}
	c.invalidate(detection.KindOffensive)

	payload := NewBatchPayload(b, rows)
	c.publisher.Publish(broadcast.EventObjectDetection, payload)
	c.log.Debug("offensive batch stored",
		logger.String("source", payload.Source),
		logger.Int("detections", len(rows)))
	return payload, nil
}

// NewBatchPayload frames stored rows with the batch context.
func NewBatchPayload(b *detection.Batch, rows []datastore.OffensiveDetection) *BatchPayload {
	payload := &BatchPayload{
		Source:     b.SourceID,
		CameraMeta: b.CameraMeta,
		Timestamp:  b.Timestamp.UTC(),
		Objects:    make([]ObjectPayload, 0, len(rows)),
	}
	for i := range rows {
		payload.Objects = append(payload.Objects, ObjectPayload{
			DroneID:   rows[i].DroneID,
			Lat:       rows[i].Lat,
			Long:      rows[i].Long,
			Alt:       rows[i].Alt,
			Timestamp: rows[i].Timestamp.UTC(),
		})
	}
	return payload
}

func (c *Coordinator) invalidate(kind detection.Kind) {
	if c.invalidator != nil {
		c.invalidator.Invalidate(kind)
	}
}
