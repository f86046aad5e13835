// Package election implements the leader-election engine: a phased state
// machine (Idle, CollectUptime, Nominate, three Vote rounds, Finalize)
// that aggregates network-wide uptime observations into a published
// leader list.
package election

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertexledger/consensuscore/crypto"
	"github.com/vertexledger/consensuscore/identity"
	"github.com/vertexledger/consensuscore/wire"
)

// Phase is one state of the election state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCollectUptime
	PhaseNominate
	PhaseVote1
	PhaseVote2
	PhaseVote3
	PhaseFinalize
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCollectUptime:
		return "collect_uptime"
	case PhaseNominate:
		return "nominate"
	case PhaseVote1:
		return "vote_1"
	case PhaseVote2:
		return "vote_2"
	case PhaseVote3:
		return "vote_3"
	case PhaseFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Config carries the election tunables.
type Config struct {
	TargetLeaderCount        int // L, default 5
	VotingRounds             int // default 3
	PhaseTimeout             time.Duration
	DisqualificationDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		TargetLeaderCount:        5,
		VotingRounds:             3,
		PhaseTimeout:             60 * time.Second,
		DisqualificationDuration: 24 * time.Hour,
	}
}

type candidateScore struct {
	NodeID string
	Score  float64
}

// Engine runs one node's view of the election state machine. A running
// network is many Engines, one per node, exchanging LeaderNominations
// and LeaderElectionVote messages; this type models a single node's
// local aggregation of what it has received plus what it contributes.
type Engine struct {
	mu sync.RWMutex

	cfg        Config
	identities *identity.Registry
	logger     *zap.Logger
	clock      func() time.Time

	selfID           string
	currentList      wire.LeaderList
	currentLeaderIDs []string

	phase   Phase
	epochID string

	// per-epoch accumulators, reset at the start of each Run.
	uptimeReporters map[string]bool                  // who broadcast this epoch
	aggregated      map[string]wire.PulseObservation // observed node -> merged obs
	scores          map[string]float64               // observed node -> candidate score
	nominationPool  map[string]bool                  // union of every node's nominee set
	nominated       map[string]bool                  // who published a nomination this epoch
	voteCounts      map[string]int                   // candidate -> vote count this round
	votedThisRound  map[string]bool                  // who cast a ballot this round
	candidates      []string                         // live candidate set, trimmed each round
}

func New(cfg Config, identities *identity.Registry, selfID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		identities: identities,
		logger:     logger,
		clock:      time.Now,
		selfID:     selfID,
		phase:      PhaseIdle,
	}
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

// CurrentList returns the most recently finalized leader list.
func (e *Engine) CurrentList() wire.LeaderList {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentList
}

// Phase returns the engine's current state.
func (e *Engine) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

// BeginEpoch resets per-epoch accumulators and transitions to
// CollectUptime. epochID identifies this run for correlating messages.
func (e *Engine) BeginEpoch(epochID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epochID = epochID
	e.phase = PhaseCollectUptime
	e.uptimeReporters = map[string]bool{}
	e.aggregated = map[string]wire.PulseObservation{}
	e.scores = map[string]float64{}
	e.nominationPool = map[string]bool{}
	e.nominated = map[string]bool{}
	e.voteCounts = map[string]int{}
	e.votedThisRound = map[string]bool{}
	e.candidates = nil
}

// RecordUptimeBroadcast folds one node's uptime observation map into this
// epoch's aggregate. Only counted while in CollectUptime.
func (e *Engine) RecordUptimeBroadcast(reporterID string, observations map[string]wire.PulseObservation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseCollectUptime {
		return
	}
	e.uptimeReporters[reporterID] = true
	for nodeID, obs := range observations {
		merged := e.aggregated[nodeID]
		for _, ts := range obs.PulseRing {
			merged.AppendPulse(ts)
		}
		for _, s := range obs.ResponseRing {
			merged.AppendResponseSample(s)
		}
		e.aggregated[nodeID] = merged
	}
}

// candidateScoreOf is total_pulses + 1_000_000/avg_rtt_ms when
// avg_rtt_ms > 0, else total_pulses.
func candidateScoreOf(obs wire.PulseObservation) float64 {
	total := float64(len(obs.PulseRing))
	if len(obs.ResponseRing) == 0 {
		return total
	}
	var sum int64
	for _, s := range obs.ResponseRing {
		sum += s
	}
	avg := float64(sum) / float64(len(obs.ResponseRing))
	if avg <= 0 {
		return total
	}
	return total + 1_000_000/avg
}

// CloseCollectUptime computes per-candidate scores from every received
// broadcast and disqualifies any known participant that never broadcast,
// then advances to Nominate. expectedReporters is the full participant
// set known to this node (e.g. every non-disqualified identity).
func (e *Engine) CloseCollectUptime(expectedReporters []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseCollectUptime {
		return
	}
	for nodeID, obs := range e.aggregated {
		e.scores[nodeID] = candidateScoreOf(obs)
	}
	for _, id := range expectedReporters {
		if !e.uptimeReporters[id] && e.identities != nil {
			if err := e.identities.Disqualify(id); err != nil {
				e.logger.Warn("disqualify for missed uptime broadcast failed", zap.String("node", id), zap.Error(err))
			}
		}
	}
	e.phase = PhaseNominate
}

// TopNominations returns this node's top 2L candidates by score, ties
// broken by lexical node-id order (a stand-in for public-key order since
// Engine tracks candidates by node id).
func (e *Engine) TopNominations() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return topN(e.scores, 2*e.cfg.TargetLeaderCount)
}

func topN(scores map[string]float64, n int) []string {
	list := make([]candidateScore, 0, len(scores))
	for id, s := range scores {
		list = append(list, candidateScore{NodeID: id, Score: s})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		return list[i].NodeID < list[j].NodeID
	})
	if n > len(list) {
		n = len(list)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = list[i].NodeID
	}
	return out
}

// RecordNomination folds one node's nominee slate into the candidate
// pool. Only counted while in Nominate.
func (e *Engine) RecordNomination(nominatorID string, candidates []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseNominate {
		return
	}
	e.nominated[nominatorID] = true
	for _, c := range candidates {
		e.nominationPool[c] = true
	}
}

// ErrEmptyNomination signals a clean abort: the prior leader list is
// retained and the engine returns to Idle.
var ErrEmptyNomination = fmt.Errorf("election: nominate phase yielded zero candidates")

// CloseNominate builds the candidate pool and advances to the first vote
// round, or aborts cleanly back to Idle if the pool is empty.
func (e *Engine) CloseNominate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseNominate {
		return nil
	}
	if len(e.nominationPool) == 0 {
		e.phase = PhaseIdle
		return ErrEmptyNomination
	}
	e.candidates = make([]string, 0, len(e.nominationPool))
	for c := range e.nominationPool {
		e.candidates = append(e.candidates, c)
	}
	sort.Strings(e.candidates)
	e.phase = PhaseVote1
	e.voteCounts = map[string]int{}
	e.votedThisRound = map[string]bool{}
	return nil
}

// Ballot returns this node's vote for the current round: up to L
// remaining candidates ranked by score descending.
func (e *Engine) Ballot() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	scored := make(map[string]float64, len(e.candidates))
	for _, c := range e.candidates {
		scored[c] = e.scores[c]
	}
	return topN(scored, e.cfg.TargetLeaderCount)
}

// RecordVote tallies one node's ballot for the current round.
func (e *Engine) RecordVote(voterID string, ballot []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseVote1 && e.phase != PhaseVote2 && e.phase != PhaseVote3 {
		return
	}
	e.votedThisRound[voterID] = true
	for _, c := range ballot {
		e.voteCounts[c]++
	}
}

func roundOf(p Phase) int {
	switch p {
	case PhaseVote1:
		return 1
	case PhaseVote2:
		return 2
	case PhaseVote3:
		return 3
	default:
		return 0
	}
}

// CloseVoteRound trims the candidate set to L+(3-round) by descending
// vote count (ties broken by prior-round score then node-id), disqualifies
// expected voters who never cast a ballot, and advances the phase.
func (e *Engine) CloseVoteRound(expectedVoters []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	round := roundOf(e.phase)
	if round == 0 {
		return
	}
	for _, id := range expectedVoters {
		if !e.votedThisRound[id] && e.identities != nil {
			if err := e.identities.Disqualify(id); err != nil {
				e.logger.Warn("disqualify for missed vote failed", zap.String("node", id), zap.Error(err))
			}
		}
	}
	keep := e.cfg.TargetLeaderCount + (e.cfg.VotingRounds - round)
	sort.Slice(e.candidates, func(i, j int) bool {
		ci, cj := e.candidates[i], e.candidates[j]
		if e.voteCounts[ci] != e.voteCounts[cj] {
			return e.voteCounts[ci] > e.voteCounts[cj]
		}
		if e.scores[ci] != e.scores[cj] {
			return e.scores[ci] > e.scores[cj]
		}
		return ci < cj
	})
	if keep < len(e.candidates) {
		e.candidates = e.candidates[:keep]
	}
	e.voteCounts = map[string]int{}
	e.votedThisRound = map[string]bool{}

	switch e.phase {
	case PhaseVote1:
		e.phase = PhaseVote2
	case PhaseVote2:
		e.phase = PhaseVote3
	case PhaseVote3:
		e.phase = PhaseFinalize
	}
}

// Finalize sorts the surviving candidates, computes the leader-list
// hash, publishes the new list, grants the leader role to each member,
// revokes it from every member of the prior list no longer present, and
// returns to Idle. Fewer than L surviving candidates finalizes with what
// remains.
func (e *Engine) Finalize(effectiveFromTS int64) (wire.LeaderList, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseFinalize {
		return wire.LeaderList{}, fmt.Errorf("election: Finalize called outside finalize phase (in %s)", e.phase)
	}
	sort.Strings(e.candidates)

	keys := make([]crypto.PublicKey, 0, len(e.candidates))
	if e.identities != nil {
		for _, id := range e.candidates {
			if rec, ok := e.identities.Get(id); ok {
				keys = append(keys, rec.PublicKey)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i]) < string(keys[j])
	})

	list := wire.LeaderList{
		Leaders:       keys,
		EffectiveFrom: effectiveFromTS,
	}
	list.Hash = wire.ComputeLeaderListHash(keys)

	if e.identities != nil {
		for _, prior := range e.currentLeaderIDs {
			e.identities.RevokeLeader(prior)
		}
		for _, id := range e.candidates {
			if err := e.identities.GrantLeader(id); err != nil {
				e.logger.Warn("grant leader failed", zap.String("node", id), zap.Error(err))
			}
		}
	}

	e.currentList = list
	e.currentLeaderIDs = append([]string(nil), e.candidates...)
	e.phase = PhaseIdle
	return list, nil
}

// AdoptList installs an externally published leader list. The current
// list is replaced only when the incoming one's EffectiveFrom is
// strictly greater; stale or equal-timestamp lists are ignored and
// AdoptList reports false.
func (e *Engine) AdoptList(list wire.LeaderList) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.currentList.Leaders) > 0 && list.EffectiveFrom <= e.currentList.EffectiveFrom {
		return false
	}
	if e.identities != nil {
		for _, prior := range e.currentLeaderIDs {
			e.identities.RevokeLeader(prior)
		}
		var memberIDs []string
		for _, pk := range list.Leaders {
			for _, rec := range e.identities.EligibleCandidates() {
				if string(rec.PublicKey) == string(pk) {
					memberIDs = append(memberIDs, rec.UUID)
					if err := e.identities.GrantLeader(rec.UUID); err != nil {
						e.logger.Warn("grant leader from adopted list failed", zap.String("node", rec.UUID), zap.Error(err))
					}
					break
				}
			}
		}
		e.currentLeaderIDs = memberIDs
	}
	e.currentList = list
	return true
}
