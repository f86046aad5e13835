package p2p

import (
	"github.com/vertexledger/consensuscore/crypto"
	"github.com/vertexledger/consensuscore/wire"
)

// Command names for every envelope message type, as plain string
// constants.
const (
	CmdPulse                         = "pulse"
	CmdPulseResponse                 = "pulseresp"
	CmdUptimeDataBroadcast           = "uptimebcast"
	CmdLeaderNominations             = "leadernoms"
	CmdLeaderElectionVote            = "leadervote"
	CmdNewLeaderList                 = "newleaders"
	CmdRawTransactionGossip          = "rawtxgossip"
	CmdOfferValidationTask           = "offertask"
	CmdValidationTaskAssignment      = "taskassign"
	CmdUserValidationTaskCompletion  = "usertaskdone"
	CmdForwardUserTaskCompletion     = "fwdtaskdone"
	CmdVerifiedProcessingTxBroadcast = "verifiedptx"
	CmdProcessingTransactionGossip   = "ptxgossip"
	CmdTransactionInvalidationNotice = "invalidate"
	CmdClientSubmitRawTransaction    = "clientsubmit"
)

// Pulse is the liveness heartbeat each node broadcasts to its family
// every pulse_interval. FamilyID scopes which peers a pulse is addressed
// to; the uptime keyspace itself stays per-node, not per-family.
type Pulse struct {
	SenderID string
	FamilyID string
	PulseID  string // uuid, echoed on the response for correlation
	SentAt   int64  // unix nanos
}

func (m Pulse) MarshalBinary() ([]byte, error) {
	w := newW()
	w.str(m.SenderID)
	w.str(m.FamilyID)
	w.str(m.PulseID)
	w.i64(m.SentAt)
	return w.bytes(), nil
}

func (m *Pulse) UnmarshalBinary(b []byte) error {
	r := newR(b)
	var err error
	if m.SenderID, err = r.str(); err != nil {
		return err
	}
	if m.FamilyID, err = r.str(); err != nil {
		return err
	}
	if m.PulseID, err = r.str(); err != nil {
		return err
	}
	if m.SentAt, err = r.i64(); err != nil {
		return err
	}
	return nil
}

// PulseResponse carries the responder-observed delay back to the sender.
type PulseResponse struct {
	PulseID     string
	ResponderID string
	DelayMillis int64 // receipt time minus the pulse's SentAt, as observed by the responder
	RespondedAt int64
}

func (m PulseResponse) MarshalBinary() ([]byte, error) {
	w := newW()
	w.str(m.PulseID)
	w.str(m.ResponderID)
	w.i64(m.DelayMillis)
	w.i64(m.RespondedAt)
	return w.bytes(), nil
}

func (m *PulseResponse) UnmarshalBinary(b []byte) error {
	r := newR(b)
	var err error
	if m.PulseID, err = r.str(); err != nil {
		return err
	}
	if m.ResponderID, err = r.str(); err != nil {
		return err
	}
	if m.DelayMillis, err = r.i64(); err != nil {
		return err
	}
	if m.RespondedAt, err = r.i64(); err != nil {
		return err
	}
	return nil
}

// UptimeDataBroadcast publishes a node's entire uptime observation map.
type UptimeDataBroadcast struct {
	SenderID     string
	Observations map[string]wire.PulseObservation
}

func (m UptimeDataBroadcast) MarshalBinary() ([]byte, error) {
	w := newW()
	w.str(m.SenderID)
	w.u32(uint32(len(m.Observations)))
	for id, obs := range m.Observations {
		ob, err := obs.MarshalBinary()
		if err != nil {
			return nil, err
		}
		w.str(id)
		w.blob(ob)
	}
	return w.bytes(), nil
}

func (m *UptimeDataBroadcast) UnmarshalBinary(b []byte) error {
	r := newR(b)
	var err error
	if m.SenderID, err = r.str(); err != nil {
		return err
	}
	n, err := r.u32()
	if err != nil {
		return err
	}
	m.Observations = make(map[string]wire.PulseObservation, n)
	for i := uint32(0); i < n; i++ {
		id, err := r.str()
		if err != nil {
			return err
		}
		blob, err := r.blob()
		if err != nil {
			return err
		}
		var obs wire.PulseObservation
		if err := obs.UnmarshalBinary(blob); err != nil {
			return err
		}
		m.Observations[id] = obs
	}
	return nil
}

// LeaderNominations carries a node's top-candidate slate for a given
// election epoch.
type LeaderNominations struct {
	SenderID   string
	EpochID    string
	Candidates []string // node ids, nominator-assigned order
}

func (m LeaderNominations) MarshalBinary() ([]byte, error) {
	w := newW()
	w.str(m.SenderID)
	w.str(m.EpochID)
	w.u32(uint32(len(m.Candidates)))
	for _, c := range m.Candidates {
		w.str(c)
	}
	return w.bytes(), nil
}

func (m *LeaderNominations) UnmarshalBinary(b []byte) error {
	r := newR(b)
	var err error
	if m.SenderID, err = r.str(); err != nil {
		return err
	}
	if m.EpochID, err = r.str(); err != nil {
		return err
	}
	n, err := r.u32()
	if err != nil {
		return err
	}
	m.Candidates = make([]string, n)
	for i := range m.Candidates {
		if m.Candidates[i], err = r.str(); err != nil {
			return err
		}
	}
	return nil
}

// LeaderElectionVote carries a node's ranked ballot for one runoff round.
type LeaderElectionVote struct {
	SenderID string
	EpochID  string
	Round    uint8
	Ballot   []string // node ids, descending preference
}

func (m LeaderElectionVote) MarshalBinary() ([]byte, error) {
	w := newW()
	w.str(m.SenderID)
	w.str(m.EpochID)
	w.u8(m.Round)
	w.u32(uint32(len(m.Ballot)))
	for _, c := range m.Ballot {
		w.str(c)
	}
	return w.bytes(), nil
}

func (m *LeaderElectionVote) UnmarshalBinary(b []byte) error {
	r := newR(b)
	var err error
	if m.SenderID, err = r.str(); err != nil {
		return err
	}
	if m.EpochID, err = r.str(); err != nil {
		return err
	}
	if m.Round, err = r.u8(); err != nil {
		return err
	}
	n, err := r.u32()
	if err != nil {
		return err
	}
	m.Ballot = make([]string, n)
	for i := range m.Ballot {
		if m.Ballot[i], err = r.str(); err != nil {
			return err
		}
	}
	return nil
}

// NewLeaderList is the finalized leader-election outcome.
type NewLeaderList struct {
	List            wire.LeaderList
	EffectiveFromTS int64
}

func (m NewLeaderList) MarshalBinary() ([]byte, error) {
	lb, err := m.List.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := newW()
	w.blob(lb)
	w.i64(m.EffectiveFromTS)
	return w.bytes(), nil
}

func (m *NewLeaderList) UnmarshalBinary(b []byte) error {
	r := newR(b)
	blob, err := r.blob()
	if err != nil {
		return err
	}
	if err := m.List.UnmarshalBinary(blob); err != nil {
		return err
	}
	if m.EffectiveFromTS, err = r.i64(); err != nil {
		return err
	}
	return nil
}

// RawTransactionGossip relays an accepted raw-tx to peer leaders for
// replication.
type RawTransactionGossip struct {
	RawTx wire.RawTx
}

func (m RawTransactionGossip) MarshalBinary() ([]byte, error) { return m.RawTx.MarshalBinary() }
func (m *RawTransactionGossip) UnmarshalBinary(b []byte) error {
	return m.RawTx.UnmarshalBinary(b)
}

// OfferValidationTask is a peer leader's offer of a generated validation
// task to the raw-tx's origin leader.
type OfferValidationTask struct {
	SubjectID string
	Task      wire.ValidationTask
}

func (m OfferValidationTask) MarshalBinary() ([]byte, error) {
	tb, err := m.Task.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := newW()
	w.str(m.SubjectID)
	w.blob(tb)
	return w.bytes(), nil
}

func (m *OfferValidationTask) UnmarshalBinary(b []byte) error {
	r := newR(b)
	var err error
	if m.SubjectID, err = r.str(); err != nil {
		return err
	}
	blob, err := r.blob()
	if err != nil {
		return err
	}
	return m.Task.UnmarshalBinary(blob)
}

// ValidationTaskAssignment is the origin leader's consolidated delivery
// of an adopted task to the party that must perform it (the submitter,
// for a submitter-signature-and-balance task). GeneratorLeaderID lets
// the assigned party address its completion back to the task's generator
// without a second round trip.
type ValidationTaskAssignment struct {
	SubjectID         string
	TaskID            string
	ValidatorID       string
	GeneratorLeaderID string
}

func (m ValidationTaskAssignment) MarshalBinary() ([]byte, error) {
	w := newW()
	w.str(m.SubjectID)
	w.str(m.TaskID)
	w.str(m.ValidatorID)
	w.str(m.GeneratorLeaderID)
	return w.bytes(), nil
}

func (m *ValidationTaskAssignment) UnmarshalBinary(b []byte) error {
	r := newR(b)
	var err error
	if m.SubjectID, err = r.str(); err != nil {
		return err
	}
	if m.TaskID, err = r.str(); err != nil {
		return err
	}
	if m.ValidatorID, err = r.str(); err != nil {
		return err
	}
	if m.GeneratorLeaderID, err = r.str(); err != nil {
		return err
	}
	return nil
}

// UserValidationTaskCompletion is submitted by the party performing the
// task: it signs (task_id, raw_tx_id, completion_ts) with its own key so
// the generator can verify it before forwarding.
type UserValidationTaskCompletion struct {
	SubjectID   string
	TaskID      string
	ValidatorID string
	Result      []byte // task-type-specific result payload
	CompletedAt int64
	Signature   crypto.Signature
}

func (m UserValidationTaskCompletion) MarshalBinary() ([]byte, error) {
	w := newW()
	w.str(m.SubjectID)
	w.str(m.TaskID)
	w.str(m.ValidatorID)
	w.blob(m.Result)
	w.i64(m.CompletedAt)
	w.blob(m.Signature[:])
	return w.bytes(), nil
}

func (m *UserValidationTaskCompletion) UnmarshalBinary(b []byte) error {
	r := newR(b)
	var err error
	if m.SubjectID, err = r.str(); err != nil {
		return err
	}
	if m.TaskID, err = r.str(); err != nil {
		return err
	}
	if m.ValidatorID, err = r.str(); err != nil {
		return err
	}
	if m.Result, err = r.blob(); err != nil {
		return err
	}
	if m.CompletedAt, err = r.i64(); err != nil {
		return err
	}
	sigBytes, err := r.blob()
	if err != nil {
		return err
	}
	copy(m.Signature[:], sigBytes)
	return nil
}

// ForwardUserTaskCompletion relays a completion, once the task's generator
// has verified it, from that generator to the raw-tx's origin leader.
type ForwardUserTaskCompletion struct {
	Completion  UserValidationTaskCompletion
	ForwarderID string
}

func (m ForwardUserTaskCompletion) MarshalBinary() ([]byte, error) {
	cb, err := m.Completion.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := newW()
	w.blob(cb)
	w.str(m.ForwarderID)
	return w.bytes(), nil
}

func (m *ForwardUserTaskCompletion) UnmarshalBinary(b []byte) error {
	r := newR(b)
	blob, err := r.blob()
	if err != nil {
		return err
	}
	if err := m.Completion.UnmarshalBinary(blob); err != nil {
		return err
	}
	if m.ForwarderID, err = r.str(); err != nil {
		return err
	}
	return nil
}

// VerifiedProcessingTxBroadcast announces that a validator checked a
// promoted processing-tx's averaged-timestamp math and signed its id.
type VerifiedProcessingTxBroadcast struct {
	ProcessingTx       wire.ProcessingTx
	ValidatorID        string
	ValidatorSignature crypto.Signature
}

func (m VerifiedProcessingTxBroadcast) MarshalBinary() ([]byte, error) {
	ptb, err := m.ProcessingTx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := newW()
	w.blob(ptb)
	w.str(m.ValidatorID)
	w.blob(m.ValidatorSignature[:])
	return w.bytes(), nil
}

func (m *VerifiedProcessingTxBroadcast) UnmarshalBinary(b []byte) error {
	r := newR(b)
	blob, err := r.blob()
	if err != nil {
		return err
	}
	if err := m.ProcessingTx.UnmarshalBinary(blob); err != nil {
		return err
	}
	if m.ValidatorID, err = r.str(); err != nil {
		return err
	}
	sigBytes, err := r.blob()
	if err != nil {
		return err
	}
	copy(m.ValidatorSignature[:], sigBytes)
	return nil
}

// ProcessingTransactionGossip relays a processing-tx between peers that
// did not observe its promotion directly.
type ProcessingTransactionGossip struct {
	ProcessingTx wire.ProcessingTx
}

func (m ProcessingTransactionGossip) MarshalBinary() ([]byte, error) {
	return m.ProcessingTx.MarshalBinary()
}
func (m *ProcessingTransactionGossip) UnmarshalBinary(b []byte) error {
	return m.ProcessingTx.UnmarshalBinary(b)
}

// TransactionInvalidationNotice propagates an invalidation across the
// network.
type TransactionInvalidationNotice struct {
	SubjectID string
	Reason    wire.ErrorCode
	NoticeID  string // uuid, for idempotent dedup
}

func (m TransactionInvalidationNotice) MarshalBinary() ([]byte, error) {
	w := newW()
	w.str(m.SubjectID)
	w.str(string(m.Reason))
	w.str(m.NoticeID)
	return w.bytes(), nil
}

func (m *TransactionInvalidationNotice) UnmarshalBinary(b []byte) error {
	r := newR(b)
	var err error
	var reason string
	if m.SubjectID, err = r.str(); err != nil {
		return err
	}
	if reason, err = r.str(); err != nil {
		return err
	}
	m.Reason = wire.ErrorCode(reason)
	if m.NoticeID, err = r.str(); err != nil {
		return err
	}
	return nil
}

// ClientSubmitRawTransaction is the external client-facing submission
// envelope, carrying a signed TxPayload to whichever leader receives it.
type ClientSubmitRawTransaction struct {
	Payload wire.TxPayload
}

func (m ClientSubmitRawTransaction) MarshalBinary() ([]byte, error) { return m.Payload.MarshalBinary() }
func (m *ClientSubmitRawTransaction) UnmarshalBinary(b []byte) error {
	return m.Payload.UnmarshalBinary(b)
}
