package wire

import (
	"testing"

	"github.com/vertexledger/consensuscore/crypto"
)

func samplePayload(t *testing.T) (TxPayload, crypto.PrivateKey) {
	t.Helper()
	secret, public, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	p := TxPayload{
		Outputs:   []Output{{Recipient: "bob", Amount: 1_0000_0000}},
		Inputs:    []Input{{UTXOID: "utxo_a", Amount: 2_0000_0000}},
		Submitter: public,
		Stake:     2_000_0000,
		Fee:       1_000_0000,
		CreatedAt: 1700000000000000000,
		Nonce:     1,
	}
	if err := p.Sign(secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return p, secret
}

func TestTxPayloadSignVerify(t *testing.T) {
	p, _ := samplePayload(t)
	if !p.VerifySignature() {
		t.Fatalf("expected payload signature to verify")
	}
	if !p.CoversObligations() {
		t.Fatalf("expected obligations to be covered")
	}
	if got, want := p.Change(), uint64(7_000_0000); got != want {
		t.Fatalf("change = %d, want %d", got, want)
	}
}

func TestTxPayloadVerifyFailsOnMutation(t *testing.T) {
	p, _ := samplePayload(t)
	p.Outputs[0].Amount++
	if p.VerifySignature() {
		t.Fatalf("expected signature to fail after mutating outputs")
	}
}

func TestTxPayloadRoundTrip(t *testing.T) {
	p, _ := samplePayload(t)
	data, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got TxPayload
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.PayloadHash() != p.PayloadHash() {
		t.Fatalf("round-tripped payload hash mismatch")
	}
	if !got.VerifySignature() {
		t.Fatalf("round-tripped payload should still verify")
	}
}

func TestRawTxRoundTrip(t *testing.T) {
	p, _ := samplePayload(t)
	rt := RawTx{
		Payload:        p,
		OriginLeaderID: "leader-1",
		AcceptedAt:     42,
		Tasks: map[string]*ValidationTask{
			"t1": {ID: "t1", Type: TaskSubmitterSignatureAndBalance, RawTxID: "rawtx", GeneratorLeaderID: "leader-2"},
		},
		CompletionTimestamps: []int64{1, 2, 3},
	}
	data, err := rt.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got RawTx
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.OriginLeaderID != rt.OriginLeaderID || got.AcceptedAt != rt.AcceptedAt {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Tasks) != 1 || got.Tasks["t1"].Type != TaskSubmitterSignatureAndBalance {
		t.Fatalf("task round trip mismatch: %+v", got.Tasks)
	}
	if len(got.CompletionTimestamps) != 3 {
		t.Fatalf("completion timestamps round trip mismatch")
	}
}

func TestProcessingTxIDDeterministic(t *testing.T) {
	p, _ := samplePayload(t)
	pt := ProcessingTx{Payload: p, AveragedTimestamp: 123456789, OriginLeaderID: "leader-1"}
	id1 := pt.IDHex()
	id2 := pt.IDHex()
	if id1 != id2 {
		t.Fatalf("processing-tx id must be deterministic")
	}
	pt2 := pt
	pt2.AveragedTimestamp++
	if pt2.IDHex() == id1 {
		t.Fatalf("processing-tx id must depend on averaged timestamp")
	}
}

func TestProcessingTxRoundTrip(t *testing.T) {
	p, _ := samplePayload(t)
	pt := ProcessingTx{Payload: p, AveragedTimestamp: 42, OriginLeaderID: "leader-1"}
	data, err := pt.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ProcessingTx
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID() != pt.ID() {
		t.Fatalf("round-tripped processing-tx id mismatch")
	}
}

func TestFinalizedEntryRoundTrip(t *testing.T) {
	p, _ := samplePayload(t)
	f := FinalizedEntry{
		ProcessingTxID:  "abc",
		DigitalRoot:     7,
		ValidatorID:     "validator-1",
		FinalizedAt:     99,
		PayloadSnapshot: p,
	}
	data, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got FinalizedEntry
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ProcessingTxID != f.ProcessingTxID || got.DigitalRoot != f.DigitalRoot {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestPulseObservationRing(t *testing.T) {
	var o PulseObservation
	for i := 0; i < PulseRingCap+10; i++ {
		o.AppendPulse(int64(i))
	}
	if len(o.PulseRing) != PulseRingCap {
		t.Fatalf("pulse ring should cap at %d, got %d", PulseRingCap, len(o.PulseRing))
	}
	if o.PulseRing[0] != 10 {
		t.Fatalf("oldest entries should be evicted first, got first=%d", o.PulseRing[0])
	}
	for i := 0; i < ResponseRingCap+5; i++ {
		o.AppendResponseSample(int64(i))
	}
	if len(o.ResponseRing) != ResponseRingCap {
		t.Fatalf("response ring should cap at %d, got %d", ResponseRingCap, len(o.ResponseRing))
	}
}

func TestPulseObservationRoundTrip(t *testing.T) {
	var o PulseObservation
	o.AppendPulse(10)
	o.AppendPulse(20)
	o.AppendResponseSample(5)
	data, err := o.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got PulseObservation
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.LastPulseAt != 20 || len(got.PulseRing) != 2 || len(got.ResponseRing) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestNodeIdentityRoundTrip(t *testing.T) {
	_, public, _ := crypto.GenerateKeypair()
	n := NodeIdentity{
		UUID:      "node-1",
		IP:        "203.0.113.7",
		PublicKey: public,
		Role:      RoleLeader,
		FamilyID:  "family-a",
	}
	data, err := n.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got NodeIdentity
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.UUID != n.UUID || got.Role != n.Role || got.FamilyID != n.FamilyID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLeaderListRoundTrip(t *testing.T) {
	_, pk1, _ := crypto.GenerateKeypair()
	_, pk2, _ := crypto.GenerateKeypair()
	leaders := []crypto.PublicKey{pk1, pk2}
	ll := LeaderList{Leaders: leaders, Hash: ComputeLeaderListHash(leaders), EffectiveFrom: 100}
	data, err := ll.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got LeaderList
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Hash != ll.Hash || got.EffectiveFrom != ll.EffectiveFrom || len(got.Leaders) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestTaskIDDeterministic(t *testing.T) {
	id1 := TaskID(TaskSubmitterSignatureAndBalance, "raw1", "leader-2")
	id2 := TaskID(TaskSubmitterSignatureAndBalance, "raw1", "leader-2")
	if id1 != id2 {
		t.Fatalf("task id must be deterministic")
	}
	id3 := TaskID(TaskSubmitterSignatureAndBalance, "raw1", "leader-3")
	if id1 == id3 {
		t.Fatalf("task id must depend on generator")
	}
}
