// Package wire defines the persistable, round-trippable entities of the
// transaction-consensus engine and their wire/storage codecs. Every
// encoded record begins with a one-byte version tag so new fields can be
// added without breaking older readers.
package wire

import (
	"fmt"
	"time"

	"github.com/vertexledger/consensuscore/crypto"
)

const (
	versionV1 uint8 = 1
)

// TaskType is a tagged sum over the three kinds of cross-validation work.
// New task kinds extend the sum; they never add ad-hoc flags.
type TaskType uint8

const (
	TaskSubmitterSignatureAndBalance TaskType = iota + 1
	TaskLeaderTimestampMath
	TaskDLTFinality
)

func (t TaskType) String() string {
	switch t {
	case TaskSubmitterSignatureAndBalance:
		return "submitter-signature-and-balance"
	case TaskLeaderTimestampMath:
		return "leader-timestamp-math"
	case TaskDLTFinality:
		return "dlt-finality"
	default:
		return "unknown"
	}
}

// Role is a node's current capability.
type Role uint8

const (
	RoleSubmitterOnly Role = iota
	RoleLeader
	RoleValidator
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleValidator:
		return "validator"
	default:
		return "submitter-only"
	}
}

// Output is an ordered recipient/amount pair.
type Output struct {
	Recipient string
	Amount    uint64
}

// Input is an ordered UTXO-id/amount pair.
type Input struct {
	UTXOID string
	Amount uint64
}

// TxPayload is the value-transfer payload a submitter signs. Invariant:
// sum(Inputs) >= sum(Outputs) + Stake + Fee; the difference is change
// returned to the submitter on finalization.
type TxPayload struct {
	Outputs   []Output
	Inputs    []Input
	Submitter crypto.PublicKey
	Signature crypto.Signature
	HasSig    bool
	Stake     uint64
	Fee       uint64
	CreatedAt int64 // unix nanoseconds
	Nonce     uint64
}

// InputSum returns sum(Inputs).
func (p TxPayload) InputSum() uint64 {
	var sum uint64
	for _, in := range p.Inputs {
		sum += in.Amount
	}
	return sum
}

// OutputSum returns sum(Outputs).
func (p TxPayload) OutputSum() uint64 {
	var sum uint64
	for _, out := range p.Outputs {
		sum += out.Amount
	}
	return sum
}

// Change returns the excess returned to the submitter on finalization:
// sum(inputs) - sum(outputs) - stake - fee. Callers must check
// CoversObligations first; Change underflows otherwise.
func (p TxPayload) Change() uint64 {
	return p.InputSum() - p.OutputSum() - p.Stake - p.Fee
}

// CoversObligations reports whether sum(inputs) >= sum(outputs) + stake +
// fee.
func (p TxPayload) CoversObligations() bool {
	need := p.OutputSum() + p.Stake + p.Fee
	if need < p.OutputSum() { // overflow guard
		return false
	}
	return p.InputSum() >= need
}

// Validate checks the submitter signature and the balance invariant. It
// does not check UTXO lock conflicts, which require store state and are
// therefore the caller's responsibility.
func (p TxPayload) Validate() error {
	if !p.VerifySignature() {
		return newValidationError(ErrBadSignature, "submitter signature does not verify")
	}
	if !p.CoversObligations() {
		return newValidationError(ErrInsufficientFunds, "sum(inputs) < sum(outputs)+stake+fee")
	}
	return nil
}

// canonicalBytes is the deterministic, field-ordered encoding used both
// for signing (signature field absent) and as the preimage for
// HashBytes-based identifiers. Peers must agree on it bit-for-bit.
func (p TxPayload) canonicalBytes() []byte {
	w := newWriter()
	w.u8(versionV1)
	w.u32(uint32(len(p.Outputs)))
	for _, o := range p.Outputs {
		w.str(o.Recipient).u64(o.Amount)
	}
	w.u32(uint32(len(p.Inputs)))
	for _, in := range p.Inputs {
		w.str(in.UTXOID).u64(in.Amount)
	}
	w.blob(p.Submitter)
	w.u64(p.Stake)
	w.u64(p.Fee)
	w.i64(p.CreatedAt)
	w.u64(p.Nonce)
	return w.bytes()
}

// SigningBytes is the canonical message the submitter signs and that
// Verify is checked against. The signature field is never included.
func (p TxPayload) SigningBytes() []byte { return p.canonicalBytes() }

// PayloadHash returns hash(payload) with the signature field cleared, used
// as the raw-tx id and as an input to the processing-tx id.
func (p TxPayload) PayloadHash() crypto.Hash {
	return crypto.HashBytes(p.canonicalBytes())
}

// Sign produces and attaches the submitter signature over SigningBytes().
func (p *TxPayload) Sign(secret crypto.PrivateKey) error {
	sig, err := crypto.Sign(secret, p.SigningBytes())
	if err != nil {
		return fmt.Errorf("wire: sign payload: %w", err)
	}
	p.Signature = sig
	p.HasSig = true
	return nil
}

// VerifySignature checks the submitter signature over SigningBytes().
func (p TxPayload) VerifySignature() bool {
	if !p.HasSig {
		return false
	}
	return crypto.Verify(p.Submitter, p.SigningBytes(), p.Signature)
}

func (p TxPayload) MarshalBinary() ([]byte, error) {
	w := newWriter()
	w.raw(p.canonicalBytes())
	if p.HasSig {
		w.u8(1).raw(p.Signature[:])
	} else {
		w.u8(0)
	}
	return w.bytes(), nil
}

func (p *TxPayload) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	if _, err := r.u8(); err != nil { // version
		return err
	}
	nOut, err := r.u32()
	if err != nil {
		return err
	}
	p.Outputs = make([]Output, 0, nOut)
	for i := uint32(0); i < nOut; i++ {
		recipient, err := r.str()
		if err != nil {
			return err
		}
		amt, err := r.u64()
		if err != nil {
			return err
		}
		p.Outputs = append(p.Outputs, Output{Recipient: recipient, Amount: amt})
	}
	nIn, err := r.u32()
	if err != nil {
		return err
	}
	p.Inputs = make([]Input, 0, nIn)
	for i := uint32(0); i < nIn; i++ {
		utxoID, err := r.str()
		if err != nil {
			return err
		}
		amt, err := r.u64()
		if err != nil {
			return err
		}
		p.Inputs = append(p.Inputs, Input{UTXOID: utxoID, Amount: amt})
	}
	pub, err := r.blob()
	if err != nil {
		return err
	}
	p.Submitter = pub
	if p.Stake, err = r.u64(); err != nil {
		return err
	}
	if p.Fee, err = r.u64(); err != nil {
		return err
	}
	if p.CreatedAt, err = r.i64(); err != nil {
		return err
	}
	if p.Nonce, err = r.u64(); err != nil {
		return err
	}
	hasSig, err := r.u8()
	if err != nil {
		return err
	}
	if hasSig == 1 {
		sigBytes, err := r.raw(len(p.Signature))
		if err != nil {
			return err
		}
		copy(p.Signature[:], sigBytes)
		p.HasSig = true
	}
	return nil
}

// RawTx wraps an accepted payload with origin-leader bookkeeping. Its
// identifier is PayloadHash, the hash of the payload with the signature
// cleared.
type RawTx struct {
	Payload              TxPayload
	OriginLeaderID       string
	AcceptedAt           int64
	Tasks                map[string]*ValidationTask
	CompletionTimestamps []int64 // append-only, nanoseconds
}

func (t RawTx) ID() crypto.Hash { return t.Payload.PayloadHash() }

func (t RawTx) IDHex() string { return t.ID().Hex() }

func (t RawTx) MarshalBinary() ([]byte, error) {
	payloadBytes, err := t.Payload.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := newWriter()
	w.u8(versionV1)
	w.blob(payloadBytes)
	w.str(t.OriginLeaderID)
	w.i64(t.AcceptedAt)
	w.u32(uint32(len(t.Tasks)))
	for id, task := range t.Tasks {
		taskBytes, err := task.MarshalBinary()
		if err != nil {
			return nil, err
		}
		w.str(id).blob(taskBytes)
	}
	w.u32(uint32(len(t.CompletionTimestamps)))
	for _, ts := range t.CompletionTimestamps {
		w.i64(ts)
	}
	return w.bytes(), nil
}

func (t *RawTx) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	if _, err := r.u8(); err != nil {
		return err
	}
	payloadBytes, err := r.blob()
	if err != nil {
		return err
	}
	if err := t.Payload.UnmarshalBinary(payloadBytes); err != nil {
		return err
	}
	if t.OriginLeaderID, err = r.str(); err != nil {
		return err
	}
	if t.AcceptedAt, err = r.i64(); err != nil {
		return err
	}
	nTasks, err := r.u32()
	if err != nil {
		return err
	}
	t.Tasks = make(map[string]*ValidationTask, nTasks)
	for i := uint32(0); i < nTasks; i++ {
		id, err := r.str()
		if err != nil {
			return err
		}
		taskBytes, err := r.blob()
		if err != nil {
			return err
		}
		var task ValidationTask
		if err := task.UnmarshalBinary(taskBytes); err != nil {
			return err
		}
		t.Tasks[id] = &task
	}
	nTs, err := r.u32()
	if err != nil {
		return err
	}
	t.CompletionTimestamps = make([]int64, 0, nTs)
	for i := uint32(0); i < nTs; i++ {
		ts, err := r.i64()
		if err != nil {
			return err
		}
		t.CompletionTimestamps = append(t.CompletionTimestamps, ts)
	}
	return nil
}

// ValidationTask is a unit of cross-validation work assigned to a
// submitter or validator.
type ValidationTask struct {
	ID                  string
	Type                TaskType
	RawTxID             string
	SubjectID           string
	GeneratorLeaderID   string
	AssignerLeaderID    string
	SubmitterID         string
	Completed           bool
	CompletionSignature crypto.Signature
	HasCompletionSig    bool
	CompletionTimestamp int64
	ReportedUpstream    bool
}

// TaskID computes the deterministic task identifier:
// hash(type, raw-tx-id, generator-leader-id).
func TaskID(taskType TaskType, rawTxID, generatorLeaderID string) string {
	w := newWriter()
	w.u8(uint8(taskType)).str(rawTxID).str(generatorLeaderID)
	return crypto.HashBytes(w.bytes()).Hex()
}

func (t ValidationTask) MarshalBinary() ([]byte, error) {
	w := newWriter()
	w.u8(versionV1)
	w.str(t.ID)
	w.u8(uint8(t.Type))
	w.str(t.RawTxID)
	w.str(t.SubjectID)
	w.str(t.GeneratorLeaderID)
	w.str(t.AssignerLeaderID)
	w.str(t.SubmitterID)
	if t.Completed {
		w.u8(1)
	} else {
		w.u8(0)
	}
	if t.HasCompletionSig {
		w.u8(1).raw(t.CompletionSignature[:])
	} else {
		w.u8(0)
	}
	w.i64(t.CompletionTimestamp)
	if t.ReportedUpstream {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return w.bytes(), nil
}

func (t *ValidationTask) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	var err error
	if _, err = r.u8(); err != nil {
		return err
	}
	if t.ID, err = r.str(); err != nil {
		return err
	}
	typ, err := r.u8()
	if err != nil {
		return err
	}
	t.Type = TaskType(typ)
	if t.RawTxID, err = r.str(); err != nil {
		return err
	}
	if t.SubjectID, err = r.str(); err != nil {
		return err
	}
	if t.GeneratorLeaderID, err = r.str(); err != nil {
		return err
	}
	if t.AssignerLeaderID, err = r.str(); err != nil {
		return err
	}
	if t.SubmitterID, err = r.str(); err != nil {
		return err
	}
	completed, err := r.u8()
	if err != nil {
		return err
	}
	t.Completed = completed == 1
	hasSig, err := r.u8()
	if err != nil {
		return err
	}
	if hasSig == 1 {
		sigBytes, err := r.raw(len(t.CompletionSignature))
		if err != nil {
			return err
		}
		copy(t.CompletionSignature[:], sigBytes)
		t.HasCompletionSig = true
	}
	if t.CompletionTimestamp, err = r.i64(); err != nil {
		return err
	}
	reported, err := r.u8()
	if err != nil {
		return err
	}
	t.ReportedUpstream = reported == 1
	return nil
}

// ProcessingTx is a promoted transaction carrying an averaged validation
// timestamp.
type ProcessingTx struct {
	Payload               TxPayload
	AveragedTimestamp     int64 // nanosecond mean of completion timestamps
	OriginLeaderID        string
	OriginLeaderSignature crypto.Signature
}

// SigningBytes returns the preimage the origin leader signs and that the
// processing-tx id is derived from: the RFC 3339 form of the averaged
// timestamp concatenated with the hex form of hash(payload). Both sides
// of the math check must produce this byte-for-byte.
func (p ProcessingTx) SigningBytes() []byte {
	ts := time.Unix(0, p.AveragedTimestamp).UTC().Format(time.RFC3339Nano)
	return []byte(ts + p.Payload.PayloadHash().Hex())
}

// ID returns hash(averaged_ts, hash(payload)), the processing-tx id.
func (p ProcessingTx) ID() crypto.Hash {
	return crypto.HashBytes(p.SigningBytes())
}

func (p ProcessingTx) IDHex() string { return p.ID().Hex() }

func (p ProcessingTx) MarshalBinary() ([]byte, error) {
	payloadBytes, err := p.Payload.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := newWriter()
	w.u8(versionV1)
	w.blob(payloadBytes)
	w.i64(p.AveragedTimestamp)
	w.str(p.OriginLeaderID)
	w.raw(p.OriginLeaderSignature[:])
	return w.bytes(), nil
}

func (p *ProcessingTx) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	if _, err := r.u8(); err != nil {
		return err
	}
	payloadBytes, err := r.blob()
	if err != nil {
		return err
	}
	if err := p.Payload.UnmarshalBinary(payloadBytes); err != nil {
		return err
	}
	if p.AveragedTimestamp, err = r.i64(); err != nil {
		return err
	}
	if p.OriginLeaderID, err = r.str(); err != nil {
		return err
	}
	sigBytes, err := r.raw(len(p.OriginLeaderSignature))
	if err != nil {
		return err
	}
	copy(p.OriginLeaderSignature[:], sigBytes)
	return nil
}

// FinalizedEntry is the terminal state of a processing-tx on the
// digital-root-addressed ledger.
type FinalizedEntry struct {
	ProcessingTxID     string
	DigitalRoot        int
	ValidatorID        string
	ValidatorSignature crypto.Signature
	FinalizedAt        int64
	PayloadSnapshot    TxPayload
}

func (f FinalizedEntry) MarshalBinary() ([]byte, error) {
	payloadBytes, err := f.PayloadSnapshot.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := newWriter()
	w.u8(versionV1)
	w.str(f.ProcessingTxID)
	w.u8(uint8(f.DigitalRoot))
	w.str(f.ValidatorID)
	w.raw(f.ValidatorSignature[:])
	w.i64(f.FinalizedAt)
	w.blob(payloadBytes)
	return w.bytes(), nil
}

func (f *FinalizedEntry) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	if _, err := r.u8(); err != nil {
		return err
	}
	var err error
	if f.ProcessingTxID, err = r.str(); err != nil {
		return err
	}
	dr, err := r.u8()
	if err != nil {
		return err
	}
	f.DigitalRoot = int(dr)
	if f.ValidatorID, err = r.str(); err != nil {
		return err
	}
	sigBytes, err := r.raw(len(f.ValidatorSignature))
	if err != nil {
		return err
	}
	copy(f.ValidatorSignature[:], sigBytes)
	if f.FinalizedAt, err = r.i64(); err != nil {
		return err
	}
	payloadBytes, err := r.blob()
	if err != nil {
		return err
	}
	return f.PayloadSnapshot.UnmarshalBinary(payloadBytes)
}

// PulseObservation is the per-observed-node sliding-window state of the
// uptime tracker. Rings are bounded; callers append through AppendPulse /
// AppendResponseSample which evict the oldest entry first.
type PulseObservation struct {
	LastPulseAt  int64
	PulseRing    []int64 // unix nanoseconds, cap 100
	ResponseRing []int64 // milliseconds, cap 50
}

const (
	PulseRingCap    = 100
	ResponseRingCap = 50
)

func (o *PulseObservation) AppendPulse(ts int64) {
	o.LastPulseAt = ts
	o.PulseRing = append(o.PulseRing, ts)
	if len(o.PulseRing) > PulseRingCap {
		o.PulseRing = o.PulseRing[len(o.PulseRing)-PulseRingCap:]
	}
}

func (o *PulseObservation) AppendResponseSample(ms int64) {
	o.ResponseRing = append(o.ResponseRing, ms)
	if len(o.ResponseRing) > ResponseRingCap {
		o.ResponseRing = o.ResponseRing[len(o.ResponseRing)-ResponseRingCap:]
	}
}

func (o PulseObservation) MarshalBinary() ([]byte, error) {
	w := newWriter()
	w.u8(versionV1)
	w.i64(o.LastPulseAt)
	w.u32(uint32(len(o.PulseRing)))
	for _, ts := range o.PulseRing {
		w.i64(ts)
	}
	w.u32(uint32(len(o.ResponseRing)))
	for _, v := range o.ResponseRing {
		w.i64(v)
	}
	return w.bytes(), nil
}

func (o *PulseObservation) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	if _, err := r.u8(); err != nil {
		return err
	}
	var err error
	if o.LastPulseAt, err = r.i64(); err != nil {
		return err
	}
	nP, err := r.u32()
	if err != nil {
		return err
	}
	o.PulseRing = make([]int64, 0, nP)
	for i := uint32(0); i < nP; i++ {
		v, err := r.i64()
		if err != nil {
			return err
		}
		o.PulseRing = append(o.PulseRing, v)
	}
	nR, err := r.u32()
	if err != nil {
		return err
	}
	o.ResponseRing = make([]int64, 0, nR)
	for i := uint32(0); i < nR; i++ {
		v, err := r.i64()
		if err != nil {
			return err
		}
		o.ResponseRing = append(o.ResponseRing, v)
	}
	return nil
}

// NodeIdentity is a node record signed by the node's own key.
type NodeIdentity struct {
	UUID              string
	IP                string // textual form; binding signature covers raw address bytes
	PublicKey         crypto.PublicKey
	Signature         crypto.Signature
	Role              Role
	FamilyID          string
	DisqualifiedUntil int64 // unix seconds; 0 = not disqualified
}

func (n NodeIdentity) MarshalBinary() ([]byte, error) {
	w := newWriter()
	w.u8(versionV1)
	w.str(n.UUID)
	w.str(n.IP)
	w.blob(n.PublicKey)
	w.raw(n.Signature[:])
	w.u8(uint8(n.Role))
	w.str(n.FamilyID)
	w.i64(n.DisqualifiedUntil)
	return w.bytes(), nil
}

func (n *NodeIdentity) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	if _, err := r.u8(); err != nil {
		return err
	}
	var err error
	if n.UUID, err = r.str(); err != nil {
		return err
	}
	if n.IP, err = r.str(); err != nil {
		return err
	}
	pub, err := r.blob()
	if err != nil {
		return err
	}
	n.PublicKey = pub
	sigBytes, err := r.raw(len(n.Signature))
	if err != nil {
		return err
	}
	copy(n.Signature[:], sigBytes)
	role, err := r.u8()
	if err != nil {
		return err
	}
	n.Role = Role(role)
	if n.FamilyID, err = r.str(); err != nil {
		return err
	}
	if n.DisqualifiedUntil, err = r.i64(); err != nil {
		return err
	}
	return nil
}

// LeaderList is a published election result. A list supersedes the
// current one only if its EffectiveFrom is strictly greater.
type LeaderList struct {
	Leaders       []crypto.PublicKey // sorted by lexical public-key order
	Hash          crypto.Hash
	EffectiveFrom int64
}

// ComputeLeaderListHash hashes the concatenation of the (already sorted)
// leader public keys, each prefixed with its uint32 length, producing the
// list identifier.
func ComputeLeaderListHash(sortedLeaders []crypto.PublicKey) crypto.Hash {
	w := newWriter()
	for _, pk := range sortedLeaders {
		w.blob(pk)
	}
	return crypto.HashBytes(w.bytes())
}

func (l LeaderList) MarshalBinary() ([]byte, error) {
	w := newWriter()
	w.u8(versionV1)
	w.u32(uint32(len(l.Leaders)))
	for _, pk := range l.Leaders {
		w.blob(pk)
	}
	w.raw(l.Hash[:])
	w.i64(l.EffectiveFrom)
	return w.bytes(), nil
}

func (l *LeaderList) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	if _, err := r.u8(); err != nil {
		return err
	}
	n, err := r.u32()
	if err != nil {
		return err
	}
	l.Leaders = make([]crypto.PublicKey, 0, n)
	for i := uint32(0); i < n; i++ {
		pk, err := r.blob()
		if err != nil {
			return err
		}
		l.Leaders = append(l.Leaders, pk)
	}
	hashBytes, err := r.raw(len(l.Hash))
	if err != nil {
		return err
	}
	copy(l.Hash[:], hashBytes)
	if l.EffectiveFrom, err = r.i64(); err != nil {
		return err
	}
	return nil
}
