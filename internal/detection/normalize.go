package detection

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/skywatch/internal/errors"
)

// batchPaths are the locations searched for an offensive detection array.
// The first path holding an array wins, even when that array is empty.
var batchPaths = [][]string{
	{"detections"},
	{"objects"},
	{"data", "objects"},
	{"data", "detections"},
}

// Normalizer converts raw payloads into canonical detections. It has no side
// effects beyond calling its clock and id generator.
type Normalizer struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the time source used for missing or unparsable timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// WithIDGenerator sets the generator for missing defensive child ids.
func WithIDGenerator(newID func() string) Option {
	return func(n *Normalizer) {
		n.newID = newID
	}
}

// NewNormalizer creates a Normalizer using wall-clock time and random UUIDs.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// DecodePayload decodes a JSON document keeping numbers as json.Number so
// numeric ids survive without float rounding.
func DecodePayload(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, errors.New(err).
			Component("detection").
			Category(errors.CategoryFileParsing).
			Build()
	}
	return payload, nil
}

// DecodePayloadBytes is DecodePayload for an in-memory document.
func DecodePayloadBytes(data []byte) (any, error) {
	return DecodePayload(bytes.NewReader(data))
}

// Defensive normalizes one camera frame. Only the frame's own lat/long gate
// acceptance; children with missing coordinates are kept with nil values.
func (n *Normalizer) Defensive(raw map[string]any) (Detection, error) {
	if raw == nil {
		return Detection{}, ErrNoUsableDetections
	}

	lat, okLat := resolve(raw, FieldLat, toFloat)
	long, okLong := resolve(raw, FieldLong, toFloat)
	if !okLat || !okLong {
		return Detection{}, ErrNoUsableDetections
	}

	d := Detection{
		SourceID:  n.source(raw, SourceUnknown),
		Kind:      KindDefensive,
		Lat:       lat,
		Long:      long,
		Alt:       optionalFloat(raw, FieldAlt),
		Timestamp: n.timestamp(raw),
		Children:  n.children(raw["objects"]),
	}
	return d, nil
}

// Offensive normalizes a single flat record, a body carrying a detection
// array, or a bare JSON array. Invalid elements are dropped; a result with no
// valid element is ErrNoUsableDetections.
func (n *Normalizer) Offensive(raw any) (Batch, error) {
	var (
		body     map[string]any
		elements []any
	)

	switch v := raw.(type) {
	case map[string]any:
		body = v
		elements = collectElements(v)
	case []any:
		elements = v
	default:
		return Batch{}, ErrNoUsableDetections
	}

	batch := Batch{SourceID: SourceUnknown}
	if body != nil {
		batch.SourceID = n.source(body, SourceUnknown)
		batch.CameraMeta = body["camera"]
	}

	for _, element := range elements {
		m, ok := element.(map[string]any)
		if !ok {
			continue
		}
		if d, ok := n.offensiveElement(m, batch.SourceID); ok {
			batch.Detections = append(batch.Detections, d)
		}
	}

	if len(batch.Detections) == 0 {
		return Batch{}, ErrNoUsableDetections
	}

	if body == nil {
		batch.SourceID = batch.Detections[0].SourceID
	}

	if body != nil {
		if ts, ok := resolve(body, FieldTimestamp, toTime); ok {
			batch.Timestamp = ts
		}
	}
	if batch.Timestamp.IsZero() {
		batch.Timestamp = batch.Detections[len(batch.Detections)-1].Timestamp
	}

	return batch, nil
}

func (n *Normalizer) offensiveElement(raw map[string]any, fallbackSource string) (Detection, bool) {
	id, ok := resolve(raw, FieldObjectID, toID)
	if !ok {
		return Detection{}, false
	}

	lat, okLat := resolve(raw, FieldLat, toFloat)
	long, okLong := resolve(raw, FieldLong, toFloat)
	if !okLat || !okLong {
		return Detection{}, false
	}

	return Detection{
		SourceID:  n.source(raw, fallbackSource),
		Kind:      KindOffensive,
		ObjectID:  id,
		Lat:       lat,
		Long:      long,
		Alt:       optionalFloat(raw, FieldAlt),
		Timestamp: n.timestamp(raw),
	}, true
}

// children normalizes the defensive "objects" field. Multipart forms carry it
// as a JSON string.
func (n *Normalizer) children(v any) []Child {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		decoded, err := DecodePayloadBytes([]byte(s))
		if err != nil {
			return nil
		}
		v = decoded
	}

	items, ok := v.([]any)
	if !ok {
		return nil
	}

	children := make([]Child, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}

		child := Child{
			Lat:  optionalFloat(m, FieldLat),
			Long: optionalFloat(m, FieldLong),
			Alt:  optionalFloat(m, FieldAlt),
		}
		if id, ok := resolve(m, FieldObjectID, toID); ok {
			child.ObjectID = id
		} else {
			child.ObjectID = n.newID()
		}
		children = append(children, child)
	}

	return children
}

func (n *Normalizer) source(raw map[string]any, fallback string) string {
	if s, ok := resolve(raw, FieldSource, toID); ok {
		return s
	}
	return fallback
}

func (n *Normalizer) timestamp(raw map[string]any) time.Time {
	if ts, ok := resolve(raw, FieldTimestamp, toTime); ok {
		return ts
	}
	return n.now().UTC()
}

func optionalFloat(raw map[string]any, f Field) *float64 {
	v, _ := resolve(raw, f, toFloatPtr)
	return v
}

func collectElements(body map[string]any) []any {
	for _, path := range batchPaths {
		if arr, ok := lookupArray(body, path); ok {
			return arr
		}
	}
	if hasAny(body, FieldObjectID) {
		return []any{body}
	}
	return nil
}

func lookupArray(body map[string]any, path []string) ([]any, bool) {
	var cur any = body
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	arr, ok := cur.([]any)
	return arr, ok
}
