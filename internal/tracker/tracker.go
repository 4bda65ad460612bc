package tracker

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/detect"
	"github.com/roadwatch/hazard-edge/internal/logger"
)

// State is the lifecycle phase of a tracked hazard.
type State string

const (
	StateNew     State = "new"     // first sighting, not yet confirmed
	StateTracked State = "tracked" // confirmed across consecutive frames
	StateStale   State = "stale"   // missing for too many frames, pending eviction
)

// stabilityStep is how much one consecutive match contributes to
// stability; a track saturates after four matches past its spawn.
const stabilityStep = 0.25

// confidence weighting between the smoothed detection score and the
// track's own stability.
const (
	detectionWeight = 0.7
	stabilityWeight = 0.3
)

// scoreAlpha is the EMA factor for the smoothed detection score.
const scoreAlpha = 0.3

// missDecay shrinks the smoothed score each cycle a track goes
// unmatched, so abandoned tracks sink below the confidence floor.
const missDecay = 0.85

// TrackedObject is one hazard correlated across frames. It is owned
// exclusively by the Tracker and mutated only during Update.
type TrackedObject struct {
	ID         string
	CenterX    float64
	CenterY    float64
	Area       float64
	ClassLabel string

	FirstSeen time.Time
	LastSeen  time.Time

	DetectionConfidence float64 // exponentially smoothed score
	Stability           float64 // grows with consecutive matches, saturates at 1
	Confidence          float64 // weighted combination of the two

	MissedFrames int
	State        State

	LastSavedAt time.Time
	SaveCount   int
}

// Tracker correlates per-cycle observations into tracked hazards using
// greedy nearest-neighbour matching within a class. It also owns the
// save decision, including the global report cooldown.
type Tracker struct {
	config  config.TrackerConfig
	logger  *logger.Logger
	objects map[string]*TrackedObject

	lastSaveAt time.Time
}

// New creates an empty tracker.
func New(cfg config.TrackerConfig, log *logger.Logger) *Tracker {
	return &Tracker{
		config:  cfg,
		logger:  log,
		objects: make(map[string]*TrackedObject),
	}
}

// Update ingests one cycle's observations and returns the live set.
// Each observation claims at most one track and vice versa; unmatched
// observations spawn new tracks, unmatched tracks age toward eviction.
func (t *Tracker) Update(observations []detect.Observation, now time.Time) []*TrackedObject {
	claimed := make(map[string]bool, len(t.objects))

	for _, obs := range observations {
		best := t.nearestUnclaimed(obs, claimed)
		if best == nil {
			t.spawn(obs, now)
			continue
		}
		claimed[best.ID] = true
		t.match(best, obs, now)
	}

	for id, obj := range t.objects {
		if claimed[id] || obj.LastSeen.Equal(now) {
			continue
		}
		t.age(obj, now)
	}

	t.evict(now)

	live := make([]*TrackedObject, 0, len(t.objects))
	for _, obj := range t.objects {
		live = append(live, obj)
	}
	return live
}

// nearestUnclaimed finds the closest same-class track within the match
// distance that no earlier observation has claimed this cycle.
func (t *Tracker) nearestUnclaimed(obs detect.Observation, claimed map[string]bool) *TrackedObject {
	var best *TrackedObject
	bestDist := t.config.MatchDistance

	for _, obj := range t.objects {
		if claimed[obj.ID] || obj.ClassLabel != obs.ClassLabel {
			continue
		}
		dist := math.Hypot(obj.CenterX-obs.CenterX, obj.CenterY-obs.CenterY)
		if dist < bestDist {
			best = obj
			bestDist = dist
		}
	}
	return best
}

func (t *Tracker) spawn(obs detect.Observation, now time.Time) {
	obj := &TrackedObject{
		ID:                  uuid.New().String(),
		CenterX:             obs.CenterX,
		CenterY:             obs.CenterY,
		Area:                obs.Area,
		ClassLabel:          obs.ClassLabel,
		FirstSeen:           now,
		LastSeen:            now,
		DetectionConfidence: obs.Score,
		Stability:           0,
		State:               StateNew,
	}
	obj.Confidence = combinedConfidence(obj)
	t.objects[obj.ID] = obj

	t.logger.Debug("New hazard track",
		"id", obj.ID,
		"class", obj.ClassLabel,
		"x", obs.CenterX,
		"y", obs.CenterY,
	)
}

// match folds an observation into a track. The position smoothing
// factor grows with stability, so long-lived tracks move smoothly
// while fresh ones snap to the latest observation.
func (t *Tracker) match(obj *TrackedObject, obs detect.Observation, now time.Time) {
	smoothing := 0.3 + 0.5*obj.Stability
	obj.CenterX = obj.CenterX*smoothing + obs.CenterX*(1-smoothing)
	obj.CenterY = obj.CenterY*smoothing + obs.CenterY*(1-smoothing)
	obj.Area = obj.Area*smoothing + obs.Area*(1-smoothing)

	obj.DetectionConfidence = obj.DetectionConfidence*(1-scoreAlpha) + obs.Score*scoreAlpha
	obj.Stability = math.Min(1.0, obj.Stability+stabilityStep)
	obj.Confidence = combinedConfidence(obj)

	obj.MissedFrames = 0
	obj.LastSeen = now
	obj.State = StateTracked
}

func (t *Tracker) age(obj *TrackedObject, now time.Time) {
	obj.MissedFrames++
	obj.DetectionConfidence *= missDecay
	obj.Confidence = combinedConfidence(obj)

	if obj.MissedFrames > t.config.MaxMissedFrames && obj.State != StateStale {
		obj.State = StateStale
		t.logger.Debug("Hazard track went stale", "id", obj.ID, "missed", obj.MissedFrames)
	}
}

func (t *Tracker) evict(now time.Time) {
	for id, obj := range t.objects {
		expired := now.Sub(obj.LastSeen) > t.config.EvictTimeout
		faded := obj.Confidence < t.config.ConfidenceFloor && obj.MissedFrames > 0
		if expired || faded {
			delete(t.objects, id)
			t.logger.Debug("Evicted hazard track",
				"id", obj.ID,
				"class", obj.ClassLabel,
				"expired", expired,
			)
		}
	}
}

// ShouldSave reports whether a track qualifies for a report right now.
// The cooldown is global across all hazards, bounding the report rate
// under bursty detection.
func (t *Tracker) ShouldSave(obj *TrackedObject, now time.Time) bool {
	if obj.Confidence < t.config.SaveMinConfidence {
		return false
	}
	if obj.Stability < t.config.SaveMinStability {
		return false
	}
	if obj.Area < t.config.SaveMinArea {
		return false
	}
	if !t.lastSaveAt.IsZero() && now.Sub(t.lastSaveAt) < t.config.SaveCooldown {
		return false
	}
	return true
}

// MarkSaved records that a report was emitted for this track. The
// track itself stays live.
func (t *Tracker) MarkSaved(obj *TrackedObject, now time.Time) {
	t.lastSaveAt = now
	obj.LastSavedAt = now
	obj.SaveCount++
}

// Count returns the number of live tracks.
func (t *Tracker) Count() int {
	return len(t.objects)
}

// Reset drops all tracks and the save cooldown. Nothing survives a
// stop/start cycle.
func (t *Tracker) Reset() {
	t.objects = make(map[string]*TrackedObject)
	t.lastSaveAt = time.Time{}
}

func combinedConfidence(obj *TrackedObject) float64 {
	return detectionWeight*obj.DetectionConfidence + stabilityWeight*obj.Stability
}
