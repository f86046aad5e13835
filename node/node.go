package node

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertexledger/consensuscore/crypto"
	"github.com/vertexledger/consensuscore/election"
	"github.com/vertexledger/consensuscore/identity"
	"github.com/vertexledger/consensuscore/invalidation"
	"github.com/vertexledger/consensuscore/p2p"
	"github.com/vertexledger/consensuscore/store"
	"github.com/vertexledger/consensuscore/uptime"
	"github.com/vertexledger/consensuscore/wire"
	"github.com/vertexledger/consensuscore/workflow"
)

// Node wires every engine package into one running process: the store,
// the uptime tracker, the election and workflow engines, the identity
// registry, the invalidation propagator, and a p2p.Transport. It owns
// every background goroutine and never runs engine logic inline on a
// network receive; handlers only translate a message into an engine call
// and, where the protocol calls for it, a reply.
type Node struct {
	cfg    Config
	logger *zap.Logger

	db           *store.DB
	identities   *identity.Registry
	uptime       *uptime.Tracker
	election     *election.Engine
	workflow     *workflow.Engine
	invalidation *invalidation.Propagator
	transport    p2p.Transport

	selfID     string
	familyID   string
	secret     crypto.PrivateKey
	public     crypto.PublicKey
	systemLoad func() float64

	mu                   sync.Mutex
	epochID              string
	rawToProcessing      map[string]string   // rawTxID -> processingTxID, populated on this node's own Promote calls
	verifiedProcessingTx map[string]struct{} // processing-tx ids this validator has already math-checked, to cap re-gossip
}

// New constructs a Node against cfg's storage path, generating a fresh
// node identity and registering it with itself. transport is the p2p
// seam: p2p.Loopback for single-process operation and tests, a real
// gossip transport for production deployments.
func New(cfg Config, logger *zap.Logger, transport p2p.Transport) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "mempool.db"))
	if err != nil {
		return nil, err
	}
	secret, public, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("node: generate keypair: %w", err)
	}
	selfID := cfg.SelfID
	if selfID == "" {
		selfID = uuid.NewString()
	}

	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("node: split bind_addr: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}
	ipSig, err := crypto.SignIP(secret, ip)
	if err != nil {
		return nil, fmt.Errorf("node: sign ip binding: %w", err)
	}

	identities := identity.New()
	if err := identities.Register(wire.NodeIdentity{
		UUID:      selfID,
		IP:        ip.String(),
		PublicKey: public,
		Signature: ipSig,
	}); err != nil {
		return nil, fmt.Errorf("node: register self identity: %w", err)
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,

		db:         db,
		identities: identities,
		uptime: uptime.New(db, uptime.Config{
			PulseInterval:           cfg.PulseInterval,
			InactivityThreshold:     cfg.InactivityThreshold,
			UptimeBroadcastInterval: cfg.UptimeBroadcastInterval,
		}, logger),
		election: election.New(election.Config{
			TargetLeaderCount:        cfg.TargetLeaderCount,
			VotingRounds:             cfg.VotingRounds,
			PhaseTimeout:             cfg.PhaseTimeout,
			DisqualificationDuration: cfg.DisqualificationDuration,
		}, identities, selfID, logger),
		workflow: workflow.New(db, selfID, secret, workflow.Config{
			MinValidationTimestamps: cfg.MinValidationTimestamps,
			StaleRawTxDeadline:      cfg.StaleRawTxDeadline,
		}, logger),
		invalidation: invalidation.New(db, logger),
		transport:    transport,

		selfID:     selfID,
		secret:     secret,
		public:     public,
		systemLoad: cfg.SystemLoad,

		rawToProcessing:      map[string]string{},
		verifiedProcessingTx: map[string]struct{}{},
	}
	if n.systemLoad == nil {
		n.systemLoad = readSystemLoad
	}
	n.subscribe()
	return n, nil
}

// SelfID returns this node's identity uuid.
func (n *Node) SelfID() string { return n.selfID }

// BootstrapSelfLeader grants this node the leader role directly,
// bypassing the election engine. Used only by the CLI's single-process
// `start` path, where there are no peers to run an election against; the
// Nominate/Vote rounds are the normal path once a transport with real
// peers exists.
func (n *Node) BootstrapSelfLeader() error {
	return n.identities.GrantLeader(n.selfID)
}

// BootstrapSelfValidator grants this node the validator role directly,
// bypassing the system-load gate the role loop normally applies. Pairs
// with BootstrapSelfLeader for multi-process demos: one process accepts
// and promotes, another verifies and finalizes.
func (n *Node) BootstrapSelfValidator() error {
	return n.identities.RequestValidator(n.selfID, 1.0)
}

func (n *Node) subscribe() {
	n.transport.Subscribe(p2p.CmdPulse, n.handlePulse)
	n.transport.Subscribe(p2p.CmdPulseResponse, n.handlePulseResponse)
	n.transport.Subscribe(p2p.CmdUptimeDataBroadcast, n.handleUptimeDataBroadcast)
	n.transport.Subscribe(p2p.CmdLeaderNominations, n.handleLeaderNominations)
	n.transport.Subscribe(p2p.CmdLeaderElectionVote, n.handleLeaderElectionVote)
	n.transport.Subscribe(p2p.CmdNewLeaderList, n.handleNewLeaderList)
	n.transport.Subscribe(p2p.CmdRawTransactionGossip, n.handleRawTransactionGossip)
	n.transport.Subscribe(p2p.CmdOfferValidationTask, n.handleOfferValidationTask)
	n.transport.Subscribe(p2p.CmdValidationTaskAssignment, n.handleValidationTaskAssignment)
	n.transport.Subscribe(p2p.CmdUserValidationTaskCompletion, n.handleUserValidationTaskCompletion)
	n.transport.Subscribe(p2p.CmdForwardUserTaskCompletion, n.handleForwardUserTaskCompletion)
	n.transport.Subscribe(p2p.CmdVerifiedProcessingTxBroadcast, n.handleVerifiedProcessingTxBroadcast)
	n.transport.Subscribe(p2p.CmdProcessingTransactionGossip, n.handleProcessingTransactionGossip)
	n.transport.Subscribe(p2p.CmdTransactionInvalidationNotice, n.handleTransactionInvalidationNotice)
	n.transport.Subscribe(p2p.CmdClientSubmitRawTransaction, n.handleClientSubmitRawTransaction)
}

// Run starts every background loop and blocks until ctx is cancelled,
// then closes the store. Each loop is an independent goroutine with a
// single owner.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		n.uptime.RunPruneLoop,
		n.runPulseLoop,
		n.runUptimeBroadcastLoop,
		n.runElectionLoop,
		n.runPromotionLoop,
		n.runInvalidationLoop,
		n.runRetentionLoop,
		n.runRoleLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(l func(context.Context)) {
			defer wg.Done()
			l(ctx)
		}(loop)
	}
	<-ctx.Done()
	wg.Wait()
	return n.db.Close()
}

func (n *Node) now() time.Time { return time.Now() }

// ---- background loops ----

func (n *Node) runPulseLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := p2p.Pulse{SenderID: n.selfID, FamilyID: n.familyID, PulseID: uuid.NewString(), SentAt: n.now().UnixNano()}
			b, err := m.MarshalBinary()
			if err != nil {
				n.logger.Warn("encode pulse failed", zap.Error(err))
				continue
			}
			if err := n.transport.Broadcast(ctx, p2p.CmdPulse, b); err != nil {
				n.logger.Warn("broadcast pulse failed", zap.Error(err))
			}
		}
	}
}

func (n *Node) runUptimeBroadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.UptimeBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := n.uptime.Snapshot()
			if err != nil {
				n.logger.Warn("snapshot uptime failed", zap.Error(err))
				continue
			}
			m := p2p.UptimeDataBroadcast{SenderID: n.selfID, Observations: snap}
			b, err := m.MarshalBinary()
			if err != nil {
				n.logger.Warn("encode uptime broadcast failed", zap.Error(err))
				continue
			}
			if err := n.transport.Broadcast(ctx, p2p.CmdUptimeDataBroadcast, b); err != nil {
				n.logger.Warn("broadcast uptime data failed", zap.Error(err))
			}
		}
	}
}

func (n *Node) runPromotionLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tickPromotion(ctx)
		}
	}
}

// tickPromotion scans every raw-tx owned by this node and promotes the
// ones whose task set is complete.
func (n *Node) tickPromotion(ctx context.Context) {
	var ready []string
	if err := n.db.ScanRawTx(func(rawTxID string, rt wire.RawTx) (bool, error) {
		if rt.OriginLeaderID != n.selfID {
			return true, nil
		}
		ok, err := n.workflow.ReadyToPromote(rawTxID)
		if err != nil {
			return false, err
		}
		if ok {
			ready = append(ready, rawTxID)
		}
		return true, nil
	}); err != nil {
		n.logger.Warn("scan raw-tx for promotion failed", zap.Error(err))
		return
	}
	for _, rawTxID := range ready {
		pt, err := n.workflow.Promote(rawTxID)
		if err != nil {
			n.logger.Warn("promote raw-tx failed", zap.String("raw_tx_id", rawTxID), zap.Error(err))
			continue
		}
		n.mu.Lock()
		n.rawToProcessing[rawTxID] = pt.IDHex()
		n.mu.Unlock()

		m := p2p.ProcessingTransactionGossip{ProcessingTx: pt}
		b, err := m.MarshalBinary()
		if err != nil {
			n.logger.Warn("encode processing-tx gossip failed", zap.Error(err))
			continue
		}
		if err := n.transport.Broadcast(ctx, p2p.CmdProcessingTransactionGossip, b); err != nil {
			n.logger.Warn("broadcast processing-tx gossip failed", zap.Error(err))
		}
	}
}

func (n *Node) runInvalidationLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.StaleRawTxDeadline / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := n.workflow.InvalidateStale()
			if err != nil {
				n.logger.Warn("invalidate stale raw-tx failed", zap.Error(err))
				continue
			}
			for _, rawTxID := range stale {
				n.gossipInvalidation(ctx, rawTxID, "", invalidation.ReasonDeadlineElapsed)
			}
		}
	}
}

// runRoleLoop samples the system-load metric each tick and escalates a
// submitter-only node to the validator role once load crosses the grant
// threshold. Leaders and existing validators are left alone.
func (n *Node) runRoleLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tickRole()
		}
	}
}

func (n *Node) tickRole() {
	self, ok := n.identities.Get(n.selfID)
	if !ok || self.Role != wire.RoleSubmitterOnly {
		return
	}
	load := n.systemLoad()
	if load <= identity.ValidatorLoadThreshold {
		return
	}
	if err := n.identities.RequestValidator(n.selfID, load); err != nil {
		n.logger.Warn("validator role request failed", zap.Float64("load", load), zap.Error(err))
		return
	}
	n.logger.Info("validator role granted under load", zap.Float64("load", load))
}

// runRetentionLoop drops finalized processing-tx records once their
// retention period has passed. Finalized entries stay; only the retained
// processing-tx copy is swept.
func (n *Node) runRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.RetentionForFinalized / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := n.now().Add(-n.cfg.RetentionForFinalized).UnixNano()
			pruned, err := n.db.PruneProcessedBefore(cutoff)
			if err != nil {
				n.logger.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			if len(pruned) > 0 {
				n.logger.Info("retention sweep removed processing-tx records", zap.Int("count", len(pruned)))
			}
		}
	}
}

func (n *Node) gossipInvalidation(ctx context.Context, rawTxID, processingTxID string, reason invalidation.Reason) {
	noticeID := uuid.NewString()
	m := p2p.TransactionInvalidationNotice{
		SubjectID: rawTxID,
		Reason:    reasonToWireCode(reason),
		NoticeID:  noticeID,
	}
	if rawTxID == "" {
		m.SubjectID = processingTxID
	}
	b, err := m.MarshalBinary()
	if err != nil {
		n.logger.Warn("encode invalidation notice failed", zap.Error(err))
		return
	}
	if err := n.transport.Broadcast(ctx, p2p.CmdTransactionInvalidationNotice, b); err != nil {
		n.logger.Warn("broadcast invalidation notice failed", zap.Error(err))
	}
}

func reasonToWireCode(r invalidation.Reason) wire.ErrorCode {
	switch r {
	case invalidation.ReasonBadSignature:
		return wire.ErrBadSignature
	case invalidation.ReasonInsufficientFunds:
		return wire.ErrInsufficientFunds
	default:
		return wire.ErrDecode
	}
}

// runElectionLoop drives the phased election state machine on a
// phase_timeout cadence. The Engine itself never owns a timer; this loop
// is the thin orchestration layer the engine's design assumes.
func (n *Node) runElectionLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PhaseTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tickElection(ctx)
		}
	}
}

func (n *Node) identityIDs() []string {
	recs := n.identities.EligibleCandidates()
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.UUID
	}
	return ids
}

func (n *Node) tickElection(ctx context.Context) {
	switch n.election.Phase() {
	case election.PhaseIdle:
		n.mu.Lock()
		n.epochID = uuid.NewString()
		epochID := n.epochID
		n.mu.Unlock()
		n.election.BeginEpoch(epochID)

	case election.PhaseCollectUptime:
		n.election.CloseCollectUptime(n.identityIDs())
		noms := n.election.TopNominations()
		n.election.RecordNomination(n.selfID, noms)
		n.broadcastNominations(ctx, noms)

	case election.PhaseNominate:
		if err := n.election.CloseNominate(); err != nil {
			n.logger.Info("election nominate phase aborted", zap.Error(err))
			return
		}
		n.castBallot(ctx, 1)

	case election.PhaseVote1:
		n.election.CloseVoteRound(n.identityIDs())
		n.castBallot(ctx, 2)

	case election.PhaseVote2:
		n.election.CloseVoteRound(n.identityIDs())
		n.castBallot(ctx, 3)

	case election.PhaseVote3:
		n.election.CloseVoteRound(n.identityIDs())
		// advances to Finalize; nothing to broadcast this tick.

	case election.PhaseFinalize:
		list, err := n.election.Finalize(n.now().UnixNano())
		if err != nil {
			n.logger.Warn("election finalize failed", zap.Error(err))
			return
		}
		n.broadcastNewLeaderList(ctx, list)
	}
}

func (n *Node) broadcastNominations(ctx context.Context, candidates []string) {
	n.mu.Lock()
	epochID := n.epochID
	n.mu.Unlock()
	m := p2p.LeaderNominations{SenderID: n.selfID, EpochID: epochID, Candidates: candidates}
	b, err := m.MarshalBinary()
	if err != nil {
		n.logger.Warn("encode nominations failed", zap.Error(err))
		return
	}
	if err := n.transport.Broadcast(ctx, p2p.CmdLeaderNominations, b); err != nil {
		n.logger.Warn("broadcast nominations failed", zap.Error(err))
	}
}

func (n *Node) castBallot(ctx context.Context, round uint8) {
	ballot := n.election.Ballot()
	n.election.RecordVote(n.selfID, ballot)
	n.mu.Lock()
	epochID := n.epochID
	n.mu.Unlock()
	m := p2p.LeaderElectionVote{SenderID: n.selfID, EpochID: epochID, Round: round, Ballot: ballot}
	b, err := m.MarshalBinary()
	if err != nil {
		n.logger.Warn("encode vote failed", zap.Error(err))
		return
	}
	if err := n.transport.Broadcast(ctx, p2p.CmdLeaderElectionVote, b); err != nil {
		n.logger.Warn("broadcast vote failed", zap.Error(err))
	}
}

func (n *Node) broadcastNewLeaderList(ctx context.Context, list wire.LeaderList) {
	m := p2p.NewLeaderList{List: list, EffectiveFromTS: list.EffectiveFrom}
	b, err := m.MarshalBinary()
	if err != nil {
		n.logger.Warn("encode new leader list failed", zap.Error(err))
		return
	}
	if err := n.transport.Broadcast(ctx, p2p.CmdNewLeaderList, b); err != nil {
		n.logger.Warn("broadcast new leader list failed", zap.Error(err))
	}
}

// ---- p2p message handlers ----

func (n *Node) handlePulse(from, _ string, payload []byte) error {
	var m p2p.Pulse
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	receivedAt := n.now()
	if err := n.uptime.RecordPulse(m.SenderID, receivedAt); err != nil {
		return err
	}
	resp := p2p.PulseResponse{
		PulseID:     m.PulseID,
		ResponderID: n.selfID,
		DelayMillis: (receivedAt.UnixNano() - m.SentAt) / int64(time.Millisecond),
		RespondedAt: receivedAt.UnixNano(),
	}
	b, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	return n.transport.Send(context.Background(), from, p2p.CmdPulseResponse, b)
}

func (n *Node) handlePulseResponse(_ string, _ string, payload []byte) error {
	var m p2p.PulseResponse
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	return n.uptime.RecordResponseSample(m.ResponderID, m.DelayMillis)
}

func (n *Node) handleUptimeDataBroadcast(_ string, _ string, payload []byte) error {
	var m p2p.UptimeDataBroadcast
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	n.election.RecordUptimeBroadcast(m.SenderID, m.Observations)
	return nil
}

func (n *Node) handleLeaderNominations(_ string, _ string, payload []byte) error {
	var m p2p.LeaderNominations
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	n.election.RecordNomination(m.SenderID, m.Candidates)
	return nil
}

func (n *Node) handleLeaderElectionVote(_ string, _ string, payload []byte) error {
	var m p2p.LeaderElectionVote
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	n.election.RecordVote(m.SenderID, m.Ballot)
	return nil
}

func (n *Node) handleNewLeaderList(_ string, _ string, payload []byte) error {
	var m p2p.NewLeaderList
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	adopted := n.election.AdoptList(m.List)
	n.logger.Info("observed new leader list",
		zap.String("hash", m.List.Hash.Hex()),
		zap.Int64("effective_from", m.EffectiveFromTS),
		zap.Int("size", len(m.List.Leaders)),
		zap.Bool("adopted", adopted),
	)
	return nil
}

func (n *Node) handleRawTransactionGossip(_ string, _ string, payload []byte) error {
	var m p2p.RawTransactionGossip
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	self, ok := n.identities.Get(n.selfID)
	if !ok || self.Role != wire.RoleLeader {
		return nil // only leaders replicate
	}
	if err := n.workflow.Replicate(m.RawTx); err != nil {
		return nil // rejected duplicate/conflicting lock, no side effects
	}
	if n.selfID == m.RawTx.OriginLeaderID {
		return nil
	}
	task := n.workflow.GenerateCrossValidationTask(m.RawTx.IDHex(), n.nodeIDForPublicKey(m.RawTx.Payload.Submitter))
	offer := p2p.OfferValidationTask{SubjectID: m.RawTx.IDHex(), Task: task}
	b, err := offer.MarshalBinary()
	if err != nil {
		return err
	}
	return n.transport.Send(context.Background(), m.RawTx.OriginLeaderID, p2p.CmdOfferValidationTask, b)
}

func (n *Node) nodeIDForPublicKey(pub crypto.PublicKey) string {
	for _, rec := range n.identities.EligibleCandidates() {
		if string(rec.PublicKey) == string(pub) {
			return rec.UUID
		}
	}
	return crypto.HashBytes(pub).Hex()
}

// handleOfferValidationTask adopts the offer and publishes the
// consolidated assignment to the submitter. Only the raw-tx's own origin
// leader acts; every other recipient ignores the offer.
func (n *Node) handleOfferValidationTask(_ string, _ string, payload []byte) error {
	var m p2p.OfferValidationTask
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	rt, ok, err := n.db.GetRawTx(m.SubjectID)
	if err != nil {
		return err
	}
	if !ok || rt.OriginLeaderID != n.selfID {
		return nil
	}
	if err := n.workflow.AdoptOfferedTask(m.SubjectID, m.Task); err != nil {
		return err
	}
	assignment := p2p.ValidationTaskAssignment{
		SubjectID:         m.SubjectID,
		TaskID:            m.Task.ID,
		ValidatorID:       m.Task.SubmitterID,
		GeneratorLeaderID: m.Task.GeneratorLeaderID,
	}
	b, err := assignment.MarshalBinary()
	if err != nil {
		return err
	}
	return n.transport.Send(context.Background(), m.Task.SubmitterID, p2p.CmdValidationTaskAssignment, b)
}

// handleValidationTaskAssignment runs at the submitter: perform the
// check, sign, and send the completion back to the task's generator.
func (n *Node) handleValidationTaskAssignment(_ string, _ string, payload []byte) error {
	var m p2p.ValidationTaskAssignment
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	if m.ValidatorID != n.selfID {
		return nil
	}
	completedAt := n.now().UnixNano()
	sig, err := workflow.CompleteTask(n.secret, m.TaskID, m.SubjectID, completedAt)
	if err != nil {
		return err
	}
	completion := p2p.UserValidationTaskCompletion{
		SubjectID:   m.SubjectID,
		TaskID:      m.TaskID,
		ValidatorID: n.selfID,
		CompletedAt: completedAt,
		Signature:   sig,
	}
	b, err := completion.MarshalBinary()
	if err != nil {
		return err
	}
	return n.transport.Send(context.Background(), m.GeneratorLeaderID, p2p.CmdUserValidationTaskCompletion, b)
}

// handleUserValidationTaskCompletion runs at the task generator: verify
// the submitter's signature, then forward an attested copy to the origin
// leader.
func (n *Node) handleUserValidationTaskCompletion(_ string, _ string, payload []byte) error {
	var m p2p.UserValidationTaskCompletion
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	submitter, ok := n.identities.Get(m.ValidatorID)
	if !ok {
		return nil
	}
	if !workflow.VerifySubmitterCompletion(submitter.PublicKey, m.TaskID, m.SubjectID, m.CompletedAt, m.Signature) {
		return nil
	}
	rt, ok, err := n.db.GetRawTx(m.SubjectID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	fwd := p2p.ForwardUserTaskCompletion{Completion: m, ForwarderID: n.selfID}
	b, err := fwd.MarshalBinary()
	if err != nil {
		return err
	}
	return n.transport.Send(context.Background(), rt.OriginLeaderID, p2p.CmdForwardUserTaskCompletion, b)
}

// handleForwardUserTaskCompletion runs at the origin leader; only
// completions attested here count toward promotion.
func (n *Node) handleForwardUserTaskCompletion(_ string, _ string, payload []byte) error {
	var m p2p.ForwardUserTaskCompletion
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	c := m.Completion
	return n.workflow.AcceptAttestedCompletion(c.SubjectID, c.TaskID, c.CompletedAt, c.Signature)
}

// handleProcessingTransactionGossip hands the processing-tx to the
// math-check path; only a node currently holding the validator role
// performs it.
func (n *Node) handleProcessingTransactionGossip(_ string, _ string, payload []byte) error {
	var m p2p.ProcessingTransactionGossip
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	return n.maybeVerifyProcessingTx(m.ProcessingTx)
}

func (n *Node) maybeVerifyProcessingTx(pt wire.ProcessingTx) error {
	self, ok := n.identities.Get(n.selfID)
	if !ok || self.Role != wire.RoleValidator {
		return nil
	}
	if _, ok, err := n.db.GetFinalizedEntry(pt.IDHex()); err != nil {
		return err
	} else if ok {
		return nil
	}
	n.mu.Lock()
	_, already := n.verifiedProcessingTx[pt.IDHex()]
	if !already {
		n.verifiedProcessingTx[pt.IDHex()] = struct{}{}
	}
	n.mu.Unlock()
	if already {
		return nil
	}
	origin, ok := n.identities.Get(pt.OriginLeaderID)
	if !ok {
		return nil
	}
	if err := workflow.VerifyMathCheck(pt, origin.PublicKey); err != nil {
		n.gossipInvalidation(context.Background(), "", pt.IDHex(), invalidation.ReasonMathCheckFailed)
		return nil
	}
	sig, err := workflow.SignVerifiedBroadcast(n.secret, pt)
	if err != nil {
		return err
	}
	m := p2p.VerifiedProcessingTxBroadcast{ProcessingTx: pt, ValidatorID: n.selfID, ValidatorSignature: sig}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return n.transport.Broadcast(context.Background(), p2p.CmdVerifiedProcessingTxBroadcast, b)
}

// handleVerifiedProcessingTxBroadcast runs at any leader: store the
// processing-tx if absent, finalize, and re-gossip so peers that missed
// the validator broadcast converge.
func (n *Node) handleVerifiedProcessingTxBroadcast(_ string, _ string, payload []byte) error {
	var m p2p.VerifiedProcessingTxBroadcast
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	self, ok := n.identities.Get(n.selfID)
	if !ok || self.Role != wire.RoleLeader {
		return nil
	}
	if _, ok, err := n.db.GetFinalizedEntry(m.ProcessingTx.IDHex()); err != nil {
		return err
	} else if ok {
		return nil
	}
	rawTxID := m.ProcessingTx.Payload.PayloadHash().Hex()
	if _, err := n.workflow.Finalize(m.ProcessingTx, rawTxID, m.ValidatorID, m.ValidatorSignature); err != nil {
		return err
	}
	n.mu.Lock()
	n.rawToProcessing[rawTxID] = m.ProcessingTx.IDHex()
	n.mu.Unlock()

	gossip := p2p.ProcessingTransactionGossip{ProcessingTx: m.ProcessingTx}
	b, err := gossip.MarshalBinary()
	if err != nil {
		return err
	}
	return n.transport.Broadcast(context.Background(), p2p.CmdProcessingTransactionGossip, b)
}

func (n *Node) handleTransactionInvalidationNotice(_ string, _ string, payload []byte) error {
	var m p2p.TransactionInvalidationNotice
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	notice := invalidation.Notice{NoticeID: m.NoticeID, Reason: wireCodeToReason(m.Reason)}
	if _, ok, err := n.db.GetRawTx(m.SubjectID); err != nil {
		return err
	} else if ok {
		notice.RawTxID = m.SubjectID
	} else {
		notice.ProcessingTxID = m.SubjectID
	}
	handled, err := n.invalidation.Apply(notice)
	if err != nil {
		return err
	}
	if !handled {
		return nil
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return n.transport.Broadcast(context.Background(), p2p.CmdTransactionInvalidationNotice, b)
}

func wireCodeToReason(code wire.ErrorCode) invalidation.Reason {
	switch code {
	case wire.ErrBadSignature:
		return invalidation.ReasonBadSignature
	case wire.ErrInsufficientFunds:
		return invalidation.ReasonInsufficientFunds
	default:
		return invalidation.ReasonDeadlineElapsed
	}
}

func (n *Node) handleClientSubmitRawTransaction(_ string, _ string, payload []byte) error {
	var m p2p.ClientSubmitRawTransaction
	if err := m.UnmarshalBinary(payload); err != nil {
		return err
	}
	self, ok := n.identities.Get(n.selfID)
	if !ok || self.Role != wire.RoleLeader {
		return nil
	}
	_, err := n.Submit(context.Background(), m.Payload)
	return err
}

// ---- public operations ----

// Submit accepts a payload on this node acting as a leader, then gossips
// the accepted raw-tx to peer leaders for replication.
func (n *Node) Submit(ctx context.Context, payload wire.TxPayload) (string, error) {
	rawTxID, err := n.workflow.Accept(payload)
	if err != nil {
		return "", err
	}
	rt, ok, err := n.db.GetRawTx(rawTxID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("node: accepted raw-tx %s vanished before gossip", rawTxID)
	}
	gossip := p2p.RawTransactionGossip{RawTx: *rt}
	b, err := gossip.MarshalBinary()
	if err != nil {
		return "", err
	}
	if err := n.transport.Broadcast(ctx, p2p.CmdRawTransactionGossip, b); err != nil {
		n.logger.Warn("broadcast raw-tx gossip failed", zap.Error(err))
	}
	return rawTxID, nil
}

// Status reports a node's operator-facing snapshot: current leaders,
// mempool sizes, and uptime observation count.
type Status struct {
	SelfID            string
	Leaders           []string
	LeaderListHash    string
	RawTxCount        int
	ProcessingTxCount int
	FinalizedTxCount  int
	UptimeNodeCount   int
}

// Status dumps a point-in-time snapshot of this node's mempool and
// election state.
func (n *Node) Status() (Status, error) {
	list := n.election.CurrentList()
	leaders := make([]string, len(list.Leaders))
	for i, pk := range list.Leaders {
		leaders[i] = crypto.HashBytes(pk).Hex()
	}

	rawCount := 0
	if err := n.db.ScanRawTx(func(string, wire.RawTx) (bool, error) {
		rawCount++
		return true, nil
	}); err != nil {
		return Status{}, err
	}

	uptimeSnap, err := n.uptime.Snapshot()
	if err != nil {
		return Status{}, err
	}

	n.mu.Lock()
	processingCount, finalizedCount := 0, 0
	for _, procID := range n.rawToProcessing {
		if _, ok, err := n.db.GetFinalizedEntry(procID); err == nil && ok {
			finalizedCount++
		} else if _, ok, err := n.db.GetProcessingTx(procID); err == nil && ok {
			processingCount++
		}
	}
	n.mu.Unlock()

	return Status{
		SelfID:            n.selfID,
		Leaders:           leaders,
		LeaderListHash:    list.Hash.Hex(),
		RawTxCount:        rawCount,
		ProcessingTxCount: processingCount,
		FinalizedTxCount:  finalizedCount,
		UptimeNodeCount:   len(uptimeSnap),
	}, nil
}

// PollResult is the {pending, promoted, finalized, invalidated} outcome
// of the per-raw-tx poll surface.
type PollResult string

const (
	PollPending     PollResult = "pending"
	PollPromoted    PollResult = "promoted"
	PollFinalized   PollResult = "finalized"
	PollInvalidated PollResult = "invalidated"
	PollUnknown     PollResult = "unknown"
)

// PollRawTx reports the lifecycle state of rawTxID as seen by this node.
// The store keys processing-tx and finalized-tx by their own ids with no
// raw-tx-to-processing-tx index, so this only resolves past "pending"
// for raw-tx ids this node itself promoted or finalized.
func (n *Node) PollRawTx(rawTxID string) (PollResult, error) {
	if _, ok, err := n.db.GetRawTx(rawTxID); err != nil {
		return "", err
	} else if ok {
		return PollPending, nil
	}
	n.mu.Lock()
	procID, known := n.rawToProcessing[rawTxID]
	n.mu.Unlock()
	if !known {
		return PollUnknown, nil
	}
	if _, ok, err := n.db.GetFinalizedEntry(procID); err != nil {
		return "", err
	} else if ok {
		return PollFinalized, nil
	}
	if _, ok, err := n.db.GetProcessingTx(procID); err != nil {
		return "", err
	} else if ok {
		return PollPromoted, nil
	}
	return PollInvalidated, nil
}

// Close releases the underlying store without running Run's goroutines;
// used by callers (e.g. cmd/consensus-node's submit/status subcommands)
// that open a Node only to perform a single local operation.
func (n *Node) Close() error { return n.db.Close() }
