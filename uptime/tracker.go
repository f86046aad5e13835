// Package uptime implements the pulse-based uptime tracker: sliding-window
// pulse/response-time sampling per observed node, inactivity pruning, and
// periodic broadcast of the full observation map.
package uptime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vertexledger/consensuscore/store"
	"github.com/vertexledger/consensuscore/wire"
)

// Config carries the pulse-tracking tunables.
type Config struct {
	PulseInterval           time.Duration // default 20s
	InactivityThreshold     time.Duration // default 60s (3x pulse interval)
	UptimeBroadcastInterval time.Duration // default 300s; deployments wanting less gossip traffic raise this
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		PulseInterval:           20 * time.Second,
		InactivityThreshold:     60 * time.Second,
		UptimeBroadcastInterval: 300 * time.Second,
	}
}

// Tracker owns this node's view of every other node's pulse history.
// Pulse observations belong exclusively to the observing node: Tracker
// never merges another node's local view, it only records pulses this
// node itself received.
type Tracker struct {
	db     *store.DB
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time
}

func New(db *store.DB, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, cfg: cfg, logger: logger, clock: time.Now}
}

// RecordPulse records receipt of a pulse from observedNodeID at ts.
func (t *Tracker) RecordPulse(observedNodeID string, ts time.Time) error {
	obs, _, err := t.db.GetUptimeObservation(observedNodeID)
	if err != nil {
		return err
	}
	if obs == nil {
		obs = &wire.PulseObservation{}
	}
	obs.AppendPulse(ts.UnixNano())
	return t.db.PutUptimeObservation(observedNodeID, *obs)
}

// RecordResponseSample records the measured delay (milliseconds) carried
// by a PulseResponse from observedNodeID.
func (t *Tracker) RecordResponseSample(observedNodeID string, delayMillis int64) error {
	obs, _, err := t.db.GetUptimeObservation(observedNodeID)
	if err != nil {
		return err
	}
	if obs == nil {
		obs = &wire.PulseObservation{}
	}
	obs.AppendResponseSample(delayMillis)
	return t.db.PutUptimeObservation(observedNodeID, *obs)
}

// Uptime computes the sliding-window uptime:
// min(1, received_in_window / max(1, W/I)) * 100, counting the pulses in
// obs.PulseRing that fall within the trailing window W (relative to now),
// with I the configured pulse interval. A node with no recorded pulses
// has uptime 0.
func (t *Tracker) Uptime(observedNodeID string, window time.Duration) (float64, error) {
	obs, ok, err := t.db.GetUptimeObservation(observedNodeID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return uptimeFromObservation(*obs, t.now(), window, t.cfg.PulseInterval), nil
}

func uptimeFromObservation(obs wire.PulseObservation, now time.Time, window, interval time.Duration) float64 {
	if len(obs.PulseRing) == 0 {
		return 0
	}
	cutoff := now.Add(-window).UnixNano()
	received := 0
	for _, ts := range obs.PulseRing {
		if ts >= cutoff {
			received++
		}
	}
	if received == 0 {
		return 0
	}
	expected := float64(window) / float64(interval)
	if expected < 1 {
		expected = 1
	}
	ratio := float64(received) / expected
	if ratio > 1 {
		ratio = 1
	}
	return ratio * 100
}

// AverageResponseTime is the simple mean of stored response-time samples.
func (t *Tracker) AverageResponseTime(observedNodeID string) (float64, error) {
	obs, ok, err := t.db.GetUptimeObservation(observedNodeID)
	if err != nil || !ok {
		return 0, err
	}
	return averageOf(obs.ResponseRing), nil
}

func averageOf(samples []int64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples))
}

// PruneInactive removes every observed node whose last receipt predates
// the inactivity threshold. It returns the pruned node ids.
func (t *Tracker) PruneInactive() ([]string, error) {
	all, err := t.db.AllUptimeObservations()
	if err != nil {
		return nil, err
	}
	cutoff := t.now().Add(-t.cfg.InactivityThreshold).UnixNano()
	var pruned []string
	for id, obs := range all {
		if obs.LastPulseAt < cutoff {
			if err := t.db.DeleteUptimeObservation(id); err != nil {
				return pruned, err
			}
			pruned = append(pruned, id)
		}
	}
	if len(pruned) > 0 {
		t.logger.Info("pruned inactive nodes", zap.Int("count", len(pruned)))
	}
	return pruned, nil
}

// Snapshot returns the full observation map for the periodic
// uptime-data broadcast.
func (t *Tracker) Snapshot() (map[string]wire.PulseObservation, error) {
	return t.db.AllUptimeObservations()
}

func (t *Tracker) now() time.Time {
	if t.clock != nil {
		return t.clock()
	}
	return time.Now()
}

// RunPruneLoop runs PruneInactive on a recurring timer until ctx is
// cancelled. One goroutine owns this background concern end to end.
func (t *Tracker) RunPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.InactivityThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.PruneInactive(); err != nil {
				t.logger.Warn("uptime prune failed", zap.Error(err))
			}
		}
	}
}
