// Package workflow implements the six-step transaction lifecycle: accept,
// replicate, cross-validation assignment, submitter completion, promotion
// (timestamp averaging), and finality.
package workflow

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vertexledger/consensuscore/crypto"
	"github.com/vertexledger/consensuscore/store"
	"github.com/vertexledger/consensuscore/wire"
)

// Config carries the workflow tunables.
type Config struct {
	MinValidationTimestamps int           // default 1; production should be larger
	StaleRawTxDeadline      time.Duration // raw-tx records older than this are invalidated
}

func DefaultConfig() Config {
	return Config{
		MinValidationTimestamps: 1,
		StaleRawTxDeadline:      10 * time.Minute,
	}
}

// ErrorCode classifies a workflow-level rejection, following the same
// ErrorCode-plus-struct convention used across this codebase.
type ErrorCode string

const (
	ErrNotLeader          ErrorCode = "WORKFLOW_ERR_NOT_LEADER"
	ErrDuplicateRawTx     ErrorCode = "WORKFLOW_ERR_DUPLICATE_RAW_TX"
	ErrNoTasksAssigned    ErrorCode = "WORKFLOW_ERR_NO_TASKS_ASSIGNED"
	ErrTasksIncomplete    ErrorCode = "WORKFLOW_ERR_TASKS_INCOMPLETE"
	ErrInsufficientProofs ErrorCode = "WORKFLOW_ERR_INSUFFICIENT_PROOFS"
	ErrBadCompletionSig   ErrorCode = "WORKFLOW_ERR_BAD_COMPLETION_SIGNATURE"
	ErrBadOriginSig       ErrorCode = "WORKFLOW_ERR_BAD_ORIGIN_SIGNATURE"
)

type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Engine runs the per-raw-tx pipeline for one node. It holds no network
// transport: callers (node.Node) drive message dispatch around the pure
// state transitions below, keeping business logic separate from wire
// dispatch.
type Engine struct {
	db     *store.DB
	selfID string
	secret crypto.PrivateKey
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time
}

func New(db *store.DB, selfID string, secret crypto.PrivateKey, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, selfID: selfID, secret: secret, cfg: cfg, logger: logger, clock: time.Now}
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

func utxoIDsOf(p wire.TxPayload) []string {
	ids := make([]string, len(p.Inputs))
	for i, in := range p.Inputs {
		ids[i] = in.UTXOID
	}
	return ids
}

// Accept verifies signature, balance, and lock availability, then
// atomically creates the raw-tx record, locks its inputs, and stubs its
// task list. Returns the new raw-tx id.
func (e *Engine) Accept(payload wire.TxPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	rt := wire.RawTx{Payload: payload, OriginLeaderID: e.selfID, AcceptedAt: e.now().UnixNano()}
	if err := e.db.AcceptRawTx(rt, utxoIDsOf(payload)); err != nil {
		return "", err
	}
	return rt.IDHex(), nil
}

// Replicate replays the acceptance checks for a gossiped raw-tx under
// the originator's identifier. Duplicate or conflicting locks are
// rejected without side effects; AcceptRawTx is atomic-reject on lock
// conflict.
func (e *Engine) Replicate(rt wire.RawTx) error {
	if err := rt.Payload.Validate(); err != nil {
		return err
	}
	return e.db.AcceptRawTx(rt, utxoIDsOf(rt.Payload))
}

// GenerateCrossValidationTask builds a submitter-signature-and-balance
// task targeting the submitter, with this node as generator. Only
// leaders other than the origin generate tasks; the caller offers the
// result to the origin leader via p2p.OfferValidationTask.
func (e *Engine) GenerateCrossValidationTask(rawTxID string, submitterID string) wire.ValidationTask {
	return wire.ValidationTask{
		ID:                wire.TaskID(wire.TaskSubmitterSignatureAndBalance, rawTxID, e.selfID),
		Type:              wire.TaskSubmitterSignatureAndBalance,
		RawTxID:           rawTxID,
		SubjectID:         rawTxID,
		GeneratorLeaderID: e.selfID,
		SubmitterID:       submitterID,
	}
}

// AdoptOfferedTask records an offered task at the origin leader: set
// assigner = self and append it to the raw-tx's pending task list.
// Re-offers of an already-adopted task id are a no-op (store.AddTask is
// idempotent per task id).
func (e *Engine) AdoptOfferedTask(rawTxID string, task wire.ValidationTask) error {
	task.AssignerLeaderID = e.selfID
	return e.db.AddTask(rawTxID, task)
}

// CompleteTask signs (taskID, rawTxID, completionTS) with the
// submitter's own key. The caller sends the result to the task's
// GeneratorLeaderID.
func CompleteTask(secret crypto.PrivateKey, taskID, rawTxID string, completedAt int64) (crypto.Signature, error) {
	return crypto.Sign(secret, completionSigningBytes(taskID, rawTxID, completedAt))
}

func completionSigningBytes(taskID, rawTxID string, completedAt int64) []byte {
	w := newBinWriter()
	w.str(taskID)
	w.str(rawTxID)
	w.i64(completedAt)
	return w.bytes()
}

// VerifySubmitterCompletion checks the submitter's signature at the task
// generator before it forwards an attested copy to the origin leader.
func VerifySubmitterCompletion(submitter crypto.PublicKey, taskID, rawTxID string, completedAt int64, sig crypto.Signature) bool {
	return crypto.Verify(submitter, completionSigningBytes(taskID, rawTxID, completedAt), sig)
}

// AcceptAttestedCompletion records a generator-forwarded completion at
// the origin leader; only completions recorded here count toward
// promotion. It marks the task complete and appends the completion
// timestamp to the raw-tx record, which Promote later averages.
func (e *Engine) AcceptAttestedCompletion(rawTxID, taskID string, completedAt int64, sig crypto.Signature) error {
	if err := e.db.UpdateTask(rawTxID, taskID, func(t *wire.ValidationTask) {
		t.Completed = true
		t.CompletionTimestamp = completedAt
		t.CompletionSignature = sig
		t.HasCompletionSig = true
		t.ReportedUpstream = true
	}); err != nil {
		return err
	}
	rt, ok, err := e.db.GetRawTx(rawTxID)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Code: ErrNoTasksAssigned, Msg: rawTxID}
	}
	rt.CompletionTimestamps = append(rt.CompletionTimestamps, completedAt)
	return e.db.PutRawTx(*rt)
}

// ReadyToPromote reports whether rawTxID satisfies the promotion
// precondition: at least one task assigned, every task complete, and the
// completion-timestamp count at or above min_validation_timestamps. An
// empty task list never promotes; cross-validation requires that peers
// assigned work first.
func (e *Engine) ReadyToPromote(rawTxID string) (bool, error) {
	tasks, err := e.db.GetTasks(rawTxID)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	for _, t := range tasks {
		if !t.Completed {
			return false, nil
		}
	}
	rt, ok, err := e.db.GetRawTx(rawTxID)
	if err != nil || !ok {
		return false, err
	}
	return len(rt.CompletionTimestamps) >= e.cfg.MinValidationTimestamps, nil
}

func meanInt64(vs []int64) int64 {
	if len(vs) == 0 {
		return 0
	}
	var sum int64
	for _, v := range vs {
		sum += v
	}
	return sum / int64(len(vs))
}

// Promote computes the averaged timestamp, derives and signs the
// processing-tx id, and atomically deletes the raw-tx while putting the
// processing-tx and its leader-timestamp-math-check validator task.
func (e *Engine) Promote(rawTxID string) (wire.ProcessingTx, error) {
	ready, err := e.ReadyToPromote(rawTxID)
	if err != nil {
		return wire.ProcessingTx{}, err
	}
	if !ready {
		return wire.ProcessingTx{}, &Error{Code: ErrTasksIncomplete, Msg: rawTxID}
	}
	rt, ok, err := e.db.GetRawTx(rawTxID)
	if err != nil {
		return wire.ProcessingTx{}, err
	}
	if !ok {
		return wire.ProcessingTx{}, &Error{Code: ErrTasksIncomplete, Msg: rawTxID}
	}

	pt := wire.ProcessingTx{
		Payload:           rt.Payload,
		AveragedTimestamp: meanInt64(rt.CompletionTimestamps),
		OriginLeaderID:    e.selfID,
	}
	sig, err := crypto.Sign(e.secret, pt.SigningBytes())
	if err != nil {
		return wire.ProcessingTx{}, fmt.Errorf("workflow: sign processing-tx: %w", err)
	}
	pt.OriginLeaderSignature = sig

	validatorTask := wire.ValidationTask{
		ID:                wire.TaskID(wire.TaskLeaderTimestampMath, pt.IDHex(), e.selfID),
		Type:              wire.TaskLeaderTimestampMath,
		SubjectID:         pt.IDHex(),
		GeneratorLeaderID: e.selfID,
	}
	if err := e.db.PromoteRawTx(rawTxID, pt, validatorTask); err != nil {
		return wire.ProcessingTx{}, err
	}
	return pt, nil
}

// VerifyMathCheck is the validator's math check: verify the origin
// leader's signature over the processing-tx's signing bytes. The signing
// bytes embed averaged_ts and hash(payload), and the id is itself
// hash(SigningBytes()), so a recomputed mismatch in either is equivalent
// to an id mismatch.
func VerifyMathCheck(pt wire.ProcessingTx, originLeader crypto.PublicKey) error {
	if !crypto.Verify(originLeader, pt.SigningBytes(), pt.OriginLeaderSignature) {
		return &Error{Code: ErrBadOriginSig, Msg: pt.IDHex()}
	}
	return nil
}

// SignVerifiedBroadcast signs the processing-tx id for the
// verified-processing-tx broadcast.
func SignVerifiedBroadcast(secret crypto.PrivateKey, pt wire.ProcessingTx) (crypto.Signature, error) {
	return crypto.Sign(secret, []byte(pt.IDHex()))
}

// Finalize runs at any leader receiving a verified-processing-tx
// broadcast: store the processing-tx if absent, compute the digital root
// of its id, write a finalized entry, and delete stale raw-tx/task data
// for rawTxID (the empty string if this node never held the raw-tx).
func (e *Engine) Finalize(pt wire.ProcessingTx, rawTxID, validatorID string, validatorSig crypto.Signature) (wire.FinalizedEntry, error) {
	if _, ok, err := e.db.GetProcessingTx(pt.IDHex()); err != nil {
		return wire.FinalizedEntry{}, err
	} else if !ok {
		if err := e.db.PutProcessingTx(pt); err != nil {
			return wire.FinalizedEntry{}, err
		}
	}
	snapshot := pt.Payload
	if snapshot.CoversObligations() {
		// The submitter's change becomes an implicit output on the
		// finalized snapshot.
		if change := snapshot.Change(); change > 0 {
			snapshot.Outputs = append(append([]wire.Output(nil), snapshot.Outputs...),
				wire.Output{Recipient: hexOf(snapshot.Submitter), Amount: change})
		}
	}
	entry := wire.FinalizedEntry{
		ProcessingTxID:     pt.IDHex(),
		DigitalRoot:        crypto.DigitalRoot(pt.IDHex()),
		ValidatorID:        validatorID,
		ValidatorSignature: validatorSig,
		FinalizedAt:        e.now().UnixNano(),
		PayloadSnapshot:    snapshot,
	}
	if err := e.db.FinalizeProcessingTx(pt.IDHex(), rawTxID, entry); err != nil {
		return wire.FinalizedEntry{}, err
	}
	return entry, nil
}

func hexOf(pk crypto.PublicKey) string {
	return crypto.HashBytes(pk).Hex()
}

// InvalidateStale scans for raw-tx records whose AcceptedAt predates the
// stale deadline and invalidates each. It returns the ids invalidated.
func (e *Engine) InvalidateStale() ([]string, error) {
	cutoff := e.now().Add(-e.cfg.StaleRawTxDeadline).UnixNano()
	var stale []string
	if err := e.db.ScanRawTx(func(rawTxID string, rt wire.RawTx) (bool, error) {
		if rt.AcceptedAt < cutoff {
			stale = append(stale, rawTxID)
		}
		return true, nil
	}); err != nil {
		return nil, err
	}
	for _, id := range stale {
		if err := e.db.Invalidate(id, ""); err != nil {
			return nil, err
		}
	}
	return stale, nil
}
