package invalidation

import (
	"path/filepath"
	"testing"

	"github.com/vertexledger/consensuscore/crypto"
	"github.com/vertexledger/consensuscore/store"
	"github.com/vertexledger/consensuscore/wire"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "invalidation.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func acceptedRawTx(t *testing.T, db *store.DB) string {
	t.Helper()
	secret, public, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	p := wire.TxPayload{
		Outputs:   []wire.Output{{Recipient: "bob", Amount: 1}},
		Inputs:    []wire.Input{{UTXOID: "utxo-a", Amount: 2}},
		Submitter: public,
		CreatedAt: 1,
		Nonce:     1,
	}
	if err := p.Sign(secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rt := wire.RawTx{Payload: p, OriginLeaderID: "leader-1"}
	if err := db.AcceptRawTx(rt, []string{"utxo-a"}); err != nil {
		t.Fatalf("accept raw-tx: %v", err)
	}
	return rt.IDHex()
}

func TestApplyRemovesRawTxAndLocks(t *testing.T) {
	db := openTestDB(t)
	rawTxID := acceptedRawTx(t, db)

	p := New(db, nil)
	n := Notice{NoticeID: "notice-1", RawTxID: rawTxID, Reason: ReasonDeadlineElapsed}

	handled, err := p.Apply(n)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !handled {
		t.Fatalf("expected first apply to be handled")
	}
	if _, ok, err := db.GetRawTx(rawTxID); err != nil || ok {
		t.Fatalf("expected raw-tx removed, ok=%v err=%v", ok, err)
	}
	if owner, ok, err := db.LockOwner("utxo-a"); err != nil || ok {
		t.Fatalf("expected utxo-a unlocked, owner=%q ok=%v err=%v", owner, ok, err)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	rawTxID := acceptedRawTx(t, db)
	p := New(db, nil)
	n := Notice{NoticeID: "notice-1", RawTxID: rawTxID, Reason: ReasonBadSignature}

	if handled, err := p.Apply(n); err != nil || !handled {
		t.Fatalf("first apply: handled=%v err=%v", handled, err)
	}
	handled, err := p.Apply(n)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if handled {
		t.Fatalf("expected second apply of the same notice id to be a no-op")
	}
}

func TestSeenReflectsAppliedNotices(t *testing.T) {
	db := openTestDB(t)
	rawTxID := acceptedRawTx(t, db)
	p := New(db, nil)

	if p.Seen("notice-1") {
		t.Fatalf("expected notice-1 unseen before apply")
	}
	if _, err := p.Apply(Notice{NoticeID: "notice-1", RawTxID: rawTxID, Reason: ReasonUTXOLockConflict}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !p.Seen("notice-1") {
		t.Fatalf("expected notice-1 seen after apply")
	}
}

func TestNoticeForValidationErrorMapsReason(t *testing.T) {
	n := NoticeForValidationError("notice-1", "raw-1", &wire.ValidationError{Code: wire.ErrBadSignature})
	if n.Reason != ReasonBadSignature {
		t.Fatalf("expected ReasonBadSignature, got %s", n.Reason)
	}
	if n.RawTxID != "raw-1" || n.NoticeID != "notice-1" {
		t.Fatalf("unexpected notice fields: %+v", n)
	}
}

func TestSeenWindowEvictsOldest(t *testing.T) {
	db := openTestDB(t)
	p := New(db, nil)
	for i := 0; i < seenWindowCap+10; i++ {
		id := "notice-" + string(rune('a'+i%26)) + string(rune(i))
		if _, err := p.Apply(Notice{NoticeID: id}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if len(p.seen) > seenWindowCap {
		t.Fatalf("expected seen set bounded at %d, got %d", seenWindowCap, len(p.seen))
	}
}
