package datastore

import (
	"github.com/tphakala/skywatch/internal/detection"
)

// NewDefensiveAlert maps a normalized defensive detection to its row.
func NewDefensiveAlert(d *detection.Detection) *DefensiveAlert {
	alert := &DefensiveAlert{
		CameraID:   d.SourceID,
		Lat:        d.Lat,
		Long:       d.Long,
		Alt:        d.Alt,
		ImageURL:   d.ImageRef,
		DetectedAt: d.Timestamp.UTC(),
		Objects:    make([]DefensiveObject, 0, len(d.Children)),
	}
	for i, child := range d.Children {
		alert.Objects = append(alert.Objects, DefensiveObject{
			Position: i,
			ObjectID: child.ObjectID,
			Lat:      child.Lat,
			Long:     child.Long,
			Alt:      child.Alt,
		})
	}
	return alert
}

// NewOffensiveDetections maps a normalized batch to one row per detection.
func NewOffensiveDetections(b *detection.Batch) []OffensiveDetection {
	rows := make([]OffensiveDetection, 0, len(b.Detections))
	for i := range b.Detections {
		d := &b.Detections[i]
		rows = append(rows, OffensiveDetection{
			DroneID:   d.ObjectID,
			CameraID:  d.SourceID,
			Lat:       d.Lat,
			Long:      d.Long,
			Alt:       d.Alt,
			Timestamp: d.Timestamp.UTC(),
		})
	}
	return rows
}
