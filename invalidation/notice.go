// Package invalidation propagates a single invalidation notice for a
// raw-tx or processing-tx, applies the atomic cleanup in store, and
// discards duplicates within a bounded recently-seen window so a
// re-gossiped notice is applied at most once.
package invalidation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vertexledger/consensuscore/store"
	"github.com/vertexledger/consensuscore/wire"
)

// Reason enumerates the invalidation triggers.
type Reason string

const (
	ReasonBadSignature      Reason = "invalidation/bad-signature"
	ReasonInsufficientFunds Reason = "invalidation/insufficient-funds"
	ReasonUTXOLockConflict  Reason = "invalidation/utxo-lock-conflict"
	ReasonMathCheckFailed   Reason = "invalidation/math-check-failed"
	ReasonDeadlineElapsed   Reason = "invalidation/deadline-elapsed"
)

// Notice is the single propagated invalidation message: a subject id
// (raw-tx or processing-tx), a reason, and a unique notice id used for
// deduplication.
type Notice struct {
	NoticeID       string
	RawTxID        string // empty if the subject is a processing-tx not yet seen as a raw-tx locally
	ProcessingTxID string // empty if the subject never reached promotion
	Reason         Reason
}

// Error reports an invalidation applied to a subject, for callers (e.g.
// workflow) that want to pattern-match on it distinctly from a
// *wire.ValidationError.
type Error struct {
	Notice Notice
}

func (e *Error) Error() string {
	return "invalidation: " + string(e.Notice.Reason)
}

func fromWireErrorCode(code wire.ErrorCode) Reason {
	switch code {
	case wire.ErrBadSignature:
		return ReasonBadSignature
	case wire.ErrInsufficientFunds:
		return ReasonInsufficientFunds
	default:
		return ReasonDeadlineElapsed
	}
}

// seenWindowCap bounds the recently-seen notice-id set, evicting oldest
// first once full.
const seenWindowCap = 4096

// Propagator applies invalidation notices idempotently and tracks which
// notice ids have already been handled using a bounded recently-seen
// set keyed by notice id, rather than an unbounded map.
type Propagator struct {
	mu     sync.Mutex
	db     *store.DB
	logger *zap.Logger
	seen   map[string]struct{}
	order  []string // FIFO eviction order, parallel to seen
}

func New(db *store.DB, logger *zap.Logger) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{db: db, logger: logger, seen: make(map[string]struct{})}
}

// NoticeForValidationError builds a Notice from a *wire.ValidationError
// surfaced while processing rawTxID. A validation failure on a subject
// already accepted into the store is an invalidation trigger, not just a
// local rejection.
func NoticeForValidationError(noticeID, rawTxID string, verr *wire.ValidationError) Notice {
	return Notice{NoticeID: noticeID, RawTxID: rawTxID, Reason: fromWireErrorCode(verr.Code)}
}

// Apply handles a received notice: if notice.NoticeID has already been
// seen, it is a no-op and Apply reports handled=false (so the caller
// knows not to re-gossip). Otherwise it runs the atomic store cleanup
// and records the notice id as seen.
func (p *Propagator) Apply(n Notice) (handled bool, err error) {
	p.mu.Lock()
	if _, ok := p.seen[n.NoticeID]; ok {
		p.mu.Unlock()
		return false, nil
	}
	p.remember(n.NoticeID)
	p.mu.Unlock()

	if err := p.db.Invalidate(n.RawTxID, n.ProcessingTxID); err != nil {
		return false, err
	}
	p.logger.Info("invalidation applied",
		zap.String("notice_id", n.NoticeID),
		zap.String("raw_tx_id", n.RawTxID),
		zap.String("processing_tx_id", n.ProcessingTxID),
		zap.String("reason", string(n.Reason)),
	)
	return true, nil
}

// remember must be called with mu held.
func (p *Propagator) remember(noticeID string) {
	p.seen[noticeID] = struct{}{}
	p.order = append(p.order, noticeID)
	if len(p.order) > seenWindowCap {
		evict := p.order[0]
		p.order = p.order[1:]
		delete(p.seen, evict)
	}
}

// Seen reports whether noticeID has already been applied, for callers
// deciding whether to re-gossip. A notice is re-gossiped at most once.
func (p *Propagator) Seen(noticeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[noticeID]
	return ok
}
