// Package adaptive implements the AIMD-like concurrency learner: for
// keys in adaptive mode it converges learned_max_concurrent
// toward the highest value the upstream tolerates, using the same
// per-entity mutex-guarded state idiom as internal/health.
package adaptive

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/model"
)

// ErrorClass is the 429-reason classification fed back by the executor.
type ErrorClass string

const (
	Concurrent429 ErrorClass = "concurrent_429"
	RPM429        ErrorClass = "rpm_429"
)

// Adjustment is one entry of the bounded adjustment_history ring.
type Adjustment struct {
	At    time.Time  `json:"at"`
	Class ErrorClass `json:"class"`
	From  int        `json:"from"`
	To    int        `json:"to"`
}

const historyCap = 50

type keyState struct {
	mu sync.Mutex

	learned       int
	hasLearned    bool
	currentLoad   int // observed concurrency at most recent CONCURRENT_429
	successStreak int
	history       []Adjustment
	last429At     time.Time
	last429Type   ErrorClass
}

// Learner tracks adaptive concurrency state for every adaptive key seen so
// far. One instance is shared across the process (wired via corectx).
type Learner struct {
	mu    sync.Mutex
	byKey map[int]*keyState
}

// New constructs an empty Learner.
func New() *Learner {
	return &Learner{byKey: make(map[int]*keyState)}
}

func (l *Learner) entry(keyID int, seed *model.UpstreamKey) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.byKey[keyID]
	if !ok {
		ks = &keyState{}
		if seed != nil && seed.LearnedMaxConcurrent != nil {
			ks.learned = *seed.LearnedMaxConcurrent
			ks.hasLearned = true
		}
		l.byKey[keyID] = ks
	}
	return ks
}

// CurrentLimit returns the live learned ceiling, or coldStart if the key
// has never been adjusted.
func (l *Learner) CurrentLimit(k *model.UpstreamKey, coldStart int) int {
	ks := l.entry(k.ID, k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !ks.hasLearned {
		return coldStart
	}
	return ks.learned
}

// RecordSuccessAtCeiling implements the increase half of the control law:
// after SUCCESS_STEPS_BEFORE_INCREASE consecutive successes at the current
// ceiling, learned := min(learned + ADD_INCREASE, HARD_CAP).
func (l *Learner) RecordSuccessAtCeiling(k *model.UpstreamKey, coldStart int) {
	ks := l.entry(k.ID, k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if !ks.hasLearned {
		ks.learned = coldStart
		ks.hasLearned = true
	}

	ks.successStreak++
	if ks.successStreak < config.AdaptiveSuccessSteps {
		return
	}
	ks.successStreak = 0

	from := ks.learned
	to := from + config.AdaptiveAddIncrease
	if to > config.AdaptiveHardCap {
		to = config.AdaptiveHardCap
	}
	if to == from {
		return
	}
	ks.learned = to
	l.appendHistory(ks, Adjustment{Class: "", From: from, To: to})
}

// RecordConcurrent429 implements the decrease half: learned :=
// max(1, floor(currentConcurrent × MULT_DECREASE)).
func (l *Learner) RecordConcurrent429(k *model.UpstreamKey, currentConcurrent int, now time.Time) {
	ks := l.entry(k.ID, k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	from := ks.learned
	if !ks.hasLearned {
		from = currentConcurrent
	}
	to := int(float64(currentConcurrent) * config.AdaptiveMultDecrease)
	if to < 1 {
		to = 1
	}

	ks.learned = to
	ks.hasLearned = true
	ks.successStreak = 0
	ks.last429At = now
	ks.last429Type = Concurrent429
	l.appendHistory(ks, Adjustment{At: now, Class: Concurrent429, From: from, To: to})
}

// RecordRPM429 records the event for display/confidence purposes only.
// An RPM 429 does not alter concurrency; it feeds the RPM window instead.
func (l *Learner) RecordRPM429(k *model.UpstreamKey, now time.Time) {
	ks := l.entry(k.ID, k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.last429At = now
	ks.last429Type = RPM429
}

func (l *Learner) appendHistory(ks *keyState, adj Adjustment) {
	ks.history = append(ks.history, adj)
	if len(ks.history) > historyCap {
		ks.history = ks.history[len(ks.history)-historyCap:]
	}
}

// Reset clears learned state back to cold-start, for the admin "reset
// learning" operation.
func (l *Learner) Reset(keyID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey[keyID] = &keyState{}
}

// ConfidenceScore computes the reservation confidence signal: an equal
// blend of the current success streak (relative to
// SUCCESS_STEPS_BEFORE_INCREASE), hours since last 429 (saturating at 24),
// and the variance of the last N learned-limit adjustments. No overall
// success rate is tracked; the streak restarts at every 429 and increase.
// Returns a value in [0, 1]; higher means more confident the key can
// tolerate a larger reservation for affine traffic.
func (l *Learner) ConfidenceScore(k *model.UpstreamKey, now time.Time) float64 {
	ks := l.entry(k.ID, k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	hoursSince429 := 24.0
	if !ks.last429At.IsZero() {
		hoursSince429 = now.Sub(ks.last429At).Hours()
	}
	recencyScore := clamp01(hoursSince429 / 24.0)

	variance := adjustmentVariance(ks.history)
	stabilityScore := clamp01(1.0 / (1.0 + variance))

	successScore := clamp01(float64(ks.successStreak) / float64(config.AdaptiveSuccessSteps))

	return clamp01((recencyScore + stabilityScore + successScore) / 3.0)
}

func adjustmentVariance(history []Adjustment) float64 {
	if len(history) < 2 {
		return 0
	}
	var sum, sumSq float64
	for _, a := range history {
		delta := float64(a.To - a.From)
		sum += delta
		sumSq += delta * delta
	}
	n := float64(len(history))
	mean := sum / n
	return sumSq/n - mean*mean
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// History returns a JSON-encodable snapshot of a key's adjustment ring,
// for persistence via model.SaveAdaptiveState.
func (l *Learner) History(keyID int) ([]byte, error) {
	l.mu.Lock()
	ks, ok := l.byKey[keyID]
	l.mu.Unlock()
	if !ok {
		return json.Marshal([]Adjustment{})
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return json.Marshal(ks.history)
}

// PersistToRow copies in-memory learned state onto k's persisted adaptive
// fields, mirroring internal/health.PersistToRow.
func (l *Learner) PersistToRow(k *model.UpstreamKey) {
	ks := l.entry(k.ID, k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.hasLearned {
		learned := ks.learned
		k.LearnedMaxConcurrent = &learned
	}
	k.SuccessStreak = ks.successStreak
	if !ks.last429At.IsZero() {
		t := ks.last429At
		k.Last429At = &t
		k.Last429Type = string(ks.last429Type)
	}
	if history, err := json.Marshal(ks.history); err == nil {
		k.AdjustmentHistory = string(history)
	}
}
