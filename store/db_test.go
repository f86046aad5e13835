package store

import (
	"path/filepath"
	"testing"

	"github.com/vertexledger/consensuscore/crypto"
	"github.com/vertexledger/consensuscore/wire"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "mempool.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func samplePayload(t *testing.T, nonce uint64) wire.TxPayload {
	t.Helper()
	secret, public, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	p := wire.TxPayload{
		Outputs:   []wire.Output{{Recipient: "bob", Amount: 1}},
		Inputs:    []wire.Input{{UTXOID: "utxo_a", Amount: 2}},
		Submitter: public,
		Stake:     0,
		Fee:       0,
		CreatedAt: 1,
		Nonce:     nonce,
	}
	if err := p.Sign(secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return p
}

func TestAcceptRawTxLocksInputsAtomically(t *testing.T) {
	db := openTestDB(t)
	p := samplePayload(t, 1)
	rt := wire.RawTx{Payload: p, OriginLeaderID: "leader-1"}
	if err := db.AcceptRawTx(rt, []string{"utxo_a"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, ok, err := db.GetRawTx(rt.IDHex())
	if err != nil || !ok {
		t.Fatalf("expected raw-tx to be stored: ok=%v err=%v", ok, err)
	}
	if got.OriginLeaderID != "leader-1" {
		t.Fatalf("unexpected origin leader: %q", got.OriginLeaderID)
	}
	owner, ok, err := db.LockOwner("utxo_a")
	if err != nil || !ok || owner != rt.IDHex() {
		t.Fatalf("expected utxo_a locked by %s, got owner=%q ok=%v err=%v", rt.IDHex(), owner, ok, err)
	}
}

func TestAcceptRawTxRejectsConflictingLock(t *testing.T) {
	db := openTestDB(t)
	p1 := samplePayload(t, 1)
	rt1 := wire.RawTx{Payload: p1, OriginLeaderID: "leader-1"}
	if err := db.AcceptRawTx(rt1, []string{"utxo_a"}); err != nil {
		t.Fatalf("accept rt1: %v", err)
	}
	p2 := samplePayload(t, 2)
	rt2 := wire.RawTx{Payload: p2, OriginLeaderID: "leader-1"}
	err := db.AcceptRawTx(rt2, []string{"utxo_a"})
	if err == nil {
		t.Fatalf("expected second accept spending the same utxo to fail")
	}
	// No side effects: rt2 must not be present.
	if _, ok, _ := db.GetRawTx(rt2.IDHex()); ok {
		t.Fatalf("conflicting raw-tx must not have been stored")
	}
}

func TestPromoteDeletesRawAndTasksPutsProcessingAndValidatorTask(t *testing.T) {
	db := openTestDB(t)
	p := samplePayload(t, 1)
	rt := wire.RawTx{Payload: p, OriginLeaderID: "leader-1"}
	if err := db.AcceptRawTx(rt, []string{"utxo_a"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	rawTxID := rt.IDHex()
	if err := db.AddTask(rawTxID, wire.ValidationTask{ID: "t1", Type: wire.TaskSubmitterSignatureAndBalance}); err != nil {
		t.Fatalf("add task: %v", err)
	}
	pt := wire.ProcessingTx{Payload: p, AveragedTimestamp: 5, OriginLeaderID: "leader-1"}
	validatorTask := wire.ValidationTask{ID: "vt1", Type: wire.TaskLeaderTimestampMath, SubjectID: pt.IDHex()}
	if err := db.PromoteRawTx(rawTxID, pt, validatorTask); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, ok, _ := db.GetRawTx(rawTxID); ok {
		t.Fatalf("raw-tx should be deleted after promotion")
	}
	if tasks, _ := db.GetTasks(rawTxID); len(tasks) != 0 {
		t.Fatalf("raw-tx task stub should be deleted after promotion")
	}
	gotPT, ok, err := db.GetProcessingTx(pt.IDHex())
	if err != nil || !ok {
		t.Fatalf("expected processing-tx to be stored: ok=%v err=%v", ok, err)
	}
	if gotPT.AveragedTimestamp != 5 {
		t.Fatalf("unexpected averaged timestamp: %d", gotPT.AveragedTimestamp)
	}
	tasks, err := db.GetTasks(pt.IDHex())
	if err != nil || len(tasks) != 1 || tasks[0].ID != "vt1" {
		t.Fatalf("expected one validator task under processing-tx id, got %+v err=%v", tasks, err)
	}
}

func TestFinalizeDeletesRawAndBothTaskLists(t *testing.T) {
	db := openTestDB(t)
	p := samplePayload(t, 1)
	rt := wire.RawTx{Payload: p, OriginLeaderID: "leader-1"}
	rawTxID := rt.IDHex()
	if err := db.AcceptRawTx(rt, []string{"utxo_a"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	pt := wire.ProcessingTx{Payload: p, AveragedTimestamp: 5, OriginLeaderID: "leader-1"}
	if err := db.PromoteRawTx(rawTxID, pt, wire.ValidationTask{ID: "vt1"}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	entry := wire.FinalizedEntry{ProcessingTxID: pt.IDHex(), DigitalRoot: 4, ValidatorID: "v1", PayloadSnapshot: p}
	if err := db.FinalizeProcessingTx(pt.IDHex(), rawTxID, entry); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, ok, _ := db.GetRawTx(rawTxID); ok {
		t.Fatalf("raw-tx must not exist after finalization on the same node")
	}
	if tasks, _ := db.GetTasks(pt.IDHex()); len(tasks) != 0 {
		t.Fatalf("processing-tx task list should be cleared on finalize")
	}
	got, ok, err := db.GetFinalizedEntry(pt.IDHex())
	if err != nil || !ok || got.DigitalRoot != 4 {
		t.Fatalf("expected finalized entry, got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestInvalidateReleasesLocksAndCascades(t *testing.T) {
	db := openTestDB(t)
	p := samplePayload(t, 1)
	rt := wire.RawTx{Payload: p, OriginLeaderID: "leader-1"}
	rawTxID := rt.IDHex()
	if err := db.AcceptRawTx(rt, []string{"utxo_a", "utxo_b"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := db.Invalidate(rawTxID, ""); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := db.GetRawTx(rawTxID); ok {
		t.Fatalf("raw-tx should be gone after invalidation")
	}
	for _, u := range []string{"utxo_a", "utxo_b"} {
		if _, ok, _ := db.LockOwner(u); ok {
			t.Fatalf("utxo %s should be unlocked after invalidation", u)
		}
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	p := samplePayload(t, 1)
	rt := wire.RawTx{Payload: p, OriginLeaderID: "leader-1"}
	rawTxID := rt.IDHex()
	if err := db.AcceptRawTx(rt, []string{"utxo_a"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := db.Invalidate(rawTxID, ""); err != nil {
		t.Fatalf("invalidate 1: %v", err)
	}
	if err := db.Invalidate(rawTxID, ""); err != nil {
		t.Fatalf("invalidate 2 (repeat) should be a no-op, got: %v", err)
	}
	if _, ok, _ := db.LockOwner("utxo_a"); ok {
		t.Fatalf("utxo should remain unlocked")
	}
}

func TestPruneProcessedBeforeSweepsOnlyExpired(t *testing.T) {
	db := openTestDB(t)
	p := samplePayload(t, 1)
	rt := wire.RawTx{Payload: p, OriginLeaderID: "leader-1"}
	if err := db.AcceptRawTx(rt, []string{"utxo_a"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	pt := wire.ProcessingTx{Payload: p, AveragedTimestamp: 5, OriginLeaderID: "leader-1"}
	if err := db.PromoteRawTx(rt.IDHex(), pt, wire.ValidationTask{ID: "vt1"}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	entry := wire.FinalizedEntry{ProcessingTxID: pt.IDHex(), DigitalRoot: 4, FinalizedAt: 100, PayloadSnapshot: p}
	if err := db.FinalizeProcessingTx(pt.IDHex(), rt.IDHex(), entry); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	pruned, err := db.PruneProcessedBefore(100)
	if err != nil || len(pruned) != 0 {
		t.Fatalf("expected nothing swept at cutoff == finalized_at, got %v err=%v", pruned, err)
	}
	pruned, err = db.PruneProcessedBefore(101)
	if err != nil || len(pruned) != 1 || pruned[0] != pt.IDHex() {
		t.Fatalf("expected processing-tx swept past retention, got %v err=%v", pruned, err)
	}
	if _, ok, _ := db.GetProcessingTx(pt.IDHex()); ok {
		t.Fatalf("processing-tx record should be gone after the sweep")
	}
	if _, ok, _ := db.GetFinalizedEntry(pt.IDHex()); !ok {
		t.Fatalf("finalized entry must survive the sweep")
	}
}

func TestAllUptimeObservationsIteration(t *testing.T) {
	db := openTestDB(t)
	var obsA, obsB wire.PulseObservation
	obsA.AppendPulse(1)
	obsB.AppendPulse(2)
	if err := db.PutUptimeObservation("node-a", obsA); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := db.PutUptimeObservation("node-b", obsB); err != nil {
		t.Fatalf("put b: %v", err)
	}
	all, err := db.AllUptimeObservations()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(all))
	}
	if err := db.DeleteUptimeObservation("node-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ = db.AllUptimeObservations()
	if len(all) != 1 {
		t.Fatalf("expected 1 observation after prune, got %d", len(all))
	}
}

func TestAddTaskIsIdempotentPerTaskID(t *testing.T) {
	db := openTestDB(t)
	if err := db.AddTask("subject-1", wire.ValidationTask{ID: "t1"}); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := db.AddTask("subject-1", wire.ValidationTask{ID: "t1"}); err != nil {
		t.Fatalf("add 2 (dup): %v", err)
	}
	tasks, err := db.GetTasks("subject-1")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected exactly one task after duplicate offer, got %+v err=%v", tasks, err)
	}
}

func TestUpdateTaskMutatesInPlace(t *testing.T) {
	db := openTestDB(t)
	if err := db.AddTask("subject-1", wire.ValidationTask{ID: "t1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.UpdateTask("subject-1", "t1", func(task *wire.ValidationTask) {
		task.Completed = true
		task.CompletionTimestamp = 42
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	tasks, err := db.GetTasks("subject-1")
	if err != nil || len(tasks) != 1 || !tasks[0].Completed || tasks[0].CompletionTimestamp != 42 {
		t.Fatalf("unexpected task state: %+v err=%v", tasks, err)
	}
}
