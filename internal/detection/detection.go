// Package detection defines the canonical detection record and the normalizer
// that turns loosely-typed transport payloads into it.
package detection

import (
	"time"

	"github.com/tphakala/skywatch/internal/errors"
)

// Kind selects the detection class, its storage collection and its live event.
type Kind string

const (
	KindDefensive Kind = "defensive"
	KindOffensive Kind = "offensive"
)

// SourceUnknown is stored when a payload names no reporting source.
const SourceUnknown = "UNKNOWN"

// ErrNoUsableDetections is returned when a payload yields no record that
// passes the lat/long gate.
var ErrNoUsableDetections = errors.NewStd("no usable detections")

// Detection is the canonical, alias-free form of one observation.
type Detection struct {
	SourceID  string
	Kind      Kind
	ObjectID  string   // offensive only; defensive frames identify objects in Children
	Lat       float64  // finite
	Long      float64  // finite
	Alt       *float64 // nil when absent
	Timestamp time.Time
	ImageRef  *string // set by the ingestion adapter after materialization
	Children  []Child // defensive only
}

// Child is one object seen inside a defensive frame. Coordinates stay nil
// when the payload did not carry them; the child is kept regardless.
type Child struct {
	ObjectID string
	Lat      *float64
	Long     *float64
	Alt      *float64
}

// Batch groups offensive detections that arrived in one submission. The
// framing is only used for fan-out; every detection is stored on its own.
type Batch struct {
	SourceID   string
	CameraMeta any // echoed verbatim from the "camera" field, nil when absent
	Timestamp  time.Time
	Detections []Detection
}
