package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/roadwatch/hazard-edge/internal/geo"
)

// SaveEvent is one report-worthy hazard sighting: the snapshot frame
// plus the metadata a backend needs to file it.
type SaveEvent struct {
	ID              string    `json:"id"`
	TrackedObjectID string    `json:"tracked_object_id"`
	ClassLabel      string    `json:"class_label"`
	Confidence      float64   `json:"confidence"`
	Snapshot        []byte    `json:"-"` // JPEG frame at save time
	Lat             float64   `json:"lat"`
	Lng             float64   `json:"lng"`
	GeoSource       string    `json:"geo_source"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewSaveEvent assembles a save event for a tracked hazard. fix may be
// the zero value when no location tier ever succeeded.
func NewSaveEvent(trackedObjectID, classLabel string, confidence float64, snapshot []byte, fix geo.Fix, ts time.Time) *SaveEvent {
	return &SaveEvent{
		ID:              uuid.New().String(),
		TrackedObjectID: trackedObjectID,
		ClassLabel:      classLabel,
		Confidence:      confidence,
		Snapshot:        snapshot,
		Lat:             fix.Lat,
		Lng:             fix.Lng,
		GeoSource:       string(fix.Source),
		Timestamp:       ts,
	}
}
