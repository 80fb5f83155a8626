// model.go this code defines the data model for the application
package datastore

import "time"

// DefensiveAlert is one persisted camera frame
type DefensiveAlert struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	CameraID   string            `gorm:"index:idx_defensive_alerts_camera;not null" json:"cameraId"`
	Lat        float64           `json:"lat"`
	Long       float64           `json:"long"`
	Alt        *float64          `json:"alt"`
	ImageURL   *string           `json:"imageUrl"`
	DetectedAt time.Time         `gorm:"index:idx_defensive_alerts_detected_at" json:"detectedAt"`
	Objects    []DefensiveObject `gorm:"foreignKey:AlertID;constraint:OnDelete:CASCADE" json:"objects"`
	CreatedAt  time.Time         `gorm:"index:idx_defensive_alerts_created_at" json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// DefensiveObject is one object seen inside a DefensiveAlert frame.
// Coordinates are nullable, the object is stored regardless.
type DefensiveObject struct {
	ID       uint     `gorm:"primaryKey" json:"-"`
	AlertID  uint     `gorm:"index;not null" json:"-"`
	Position int      `gorm:"not null" json:"-"` // order within the frame
	ObjectID string   `gorm:"type:varchar(255)" json:"objectId"`
	Lat      *float64 `json:"lat"`
	Long     *float64 `json:"long"`
	Alt      *float64 `json:"alt"`
}

// OffensiveDetection is one tracked object position report. Batches are not
// stored as such, each element is its own row.
type OffensiveDetection struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DroneID   string    `gorm:"index:idx_offensive_detections_drone;not null" json:"droneId"`
	CameraID  string    `gorm:"index:idx_offensive_detections_camera" json:"cameraId"`
	Lat       float64   `json:"lat"`
	Long      float64   `json:"long"`
	Alt       *float64  `json:"alt"`
	Timestamp time.Time `gorm:"index:idx_offensive_detections_timestamp" json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one raw telemetry bus message, kept verbatim
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Topic     string    `gorm:"not null" json:"topic"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	CreatedAt time.Time `gorm:"index:idx_messages_created_at" json:"createdAt"`
}

// SourceSummary is a per-source rollup row
type SourceSummary struct {
	SourceID string    `json:"sourceId"`
	LastSeen time.Time `json:"lastSeen"`
	Count    int64     `json:"count"`
}

// HistoryQuery selects persisted records. Zero Start and End leave that side
// of the range open; an empty Source matches every source.
type HistoryQuery struct {
	Source string
	Start  time.Time
	End    time.Time
	Limit  int
}
