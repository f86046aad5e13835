// Package store implements the persistent mempool state machine: six
// column-family keyspaces over a single bbolt database, with every
// multi-keyspace transition running inside one atomic bolt.DB.Update
// batch.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vertexledger/consensuscore/wire"
)

var (
	bucketRawTx           = []byte("raw_tx")
	bucketValidationTasks = []byte("validation_tasks")
	bucketLockedUTXO      = []byte("locked_utxo")
	bucketProcessingTx    = []byte("processing_tx")
	bucketFinalizedTx     = []byte("finalized_tx")
	bucketUptime          = []byte("uptime")
)

var allBuckets = [][]byte{
	bucketRawTx, bucketValidationTasks, bucketLockedUTXO,
	bucketProcessingTx, bucketFinalizedTx, bucketUptime,
}

// ErrCorrupt names unrecoverable store corruption. No DB method returns
// it (decode failures come back as plain errors), and node does not check
// for it or halt on it; there is no automatic repair.
var ErrCorrupt = errors.New("store: corrupt state")

// ErrUTXOLocked is returned when accepting a raw-tx whose inputs
// conflict with an existing lock held by a different raw-tx.
var ErrUTXOLocked = errors.New("store: utxo already locked")

// ErrNotFound is returned by point lookups that miss.
var ErrNotFound = errors.New("store: not found")

// DB is the single logical mempool store.
type DB struct {
	bolt *bolt.DB
}

// Open creates or opens a bbolt database at path, ensuring every
// keyspace bucket exists.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}
	b, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db := &DB{bolt: b}
	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return db, nil
}

func (d *DB) Close() error { return d.bolt.Close() }

// AcceptRawTx puts the raw-tx, puts an empty validation-tasks stub, and
// locks every input, all in one atomic batch. It rejects with no side
// effects if any input is already locked by a different raw-tx.
func (d *DB) AcceptRawTx(rt wire.RawTx, utxoIDs []string) error {
	rawTxID := rt.IDHex()
	return d.bolt.Update(func(tx *bolt.Tx) error {
		locked := tx.Bucket(bucketLockedUTXO)
		for _, utxoID := range utxoIDs {
			if owner := locked.Get([]byte(utxoID)); owner != nil && string(owner) != rawTxID {
				return ErrUTXOLocked
			}
		}
		rawBucket := tx.Bucket(bucketRawTx)
		if rawBucket.Get([]byte(rawTxID)) != nil {
			return fmt.Errorf("store: raw-tx %s already accepted", rawTxID)
		}
		if rt.Tasks == nil {
			rt.Tasks = map[string]*wire.ValidationTask{}
		}
		rawBytes, err := rt.MarshalBinary()
		if err != nil {
			return err
		}
		if err := rawBucket.Put([]byte(rawTxID), rawBytes); err != nil {
			return err
		}
		if err := putTaskList(tx, rawTxID, nil); err != nil {
			return err
		}
		for _, utxoID := range utxoIDs {
			if err := locked.Put([]byte(utxoID), []byte(rawTxID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRawTx is a point lookup by primary key.
func (d *DB) GetRawTx(rawTxID string) (*wire.RawTx, bool, error) {
	var out *wire.RawTx
	err := d.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRawTx).Get([]byte(rawTxID))
		if raw == nil {
			return nil
		}
		var rt wire.RawTx
		if err := rt.UnmarshalBinary(raw); err != nil {
			return err
		}
		out = &rt
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// PutRawTx overwrites an existing raw-tx record in place. Only the
// origin leader mutates a raw-tx after acceptance (task map, completion
// timestamps).
func (d *DB) PutRawTx(rt wire.RawTx) error {
	rawBytes, err := rt.MarshalBinary()
	if err != nil {
		return err
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRawTx).Put([]byte(rt.IDHex()), rawBytes)
	})
}

// ScanRawTx iterates every raw-tx record, invoking fn for each. Iteration
// stops early if fn returns false.
func (d *DB) ScanRawTx(fn func(rawTxID string, rt wire.RawTx) (bool, error)) error {
	return d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRawTx).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rt wire.RawTx
			if err := rt.UnmarshalBinary(v); err != nil {
				return err
			}
			cont, err := fn(string(k), rt)
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

// AddTask appends a task to the pending list for subjectID (a raw-tx id
// or a processing-tx id). Re-adding an existing task id is a no-op.
func (d *DB) AddTask(subjectID string, task wire.ValidationTask) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		tasks, err := getTaskList(tx, subjectID)
		if err != nil {
			return err
		}
		for _, existing := range tasks {
			if existing.ID == task.ID {
				return nil // idempotent re-offer
			}
		}
		tasks = append(tasks, &task)
		return putTaskList(tx, subjectID, tasks)
	})
}

// GetTasks returns the tasks pending on subjectID.
func (d *DB) GetTasks(subjectID string) ([]*wire.ValidationTask, error) {
	var out []*wire.ValidationTask
	err := d.bolt.View(func(tx *bolt.Tx) error {
		var err error
		out, err = getTaskList(tx, subjectID)
		return err
	})
	return out, err
}

// UpdateTask mutates a single task within subjectID's pending list via
// mutate, then persists the list.
func (d *DB) UpdateTask(subjectID, taskID string, mutate func(*wire.ValidationTask)) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		tasks, err := getTaskList(tx, subjectID)
		if err != nil {
			return err
		}
		found := false
		for _, t := range tasks {
			if t.ID == taskID {
				mutate(t)
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("store: task %s not found on subject %s: %w", taskID, subjectID, ErrNotFound)
		}
		return putTaskList(tx, subjectID, tasks)
	})
}

func (d *DB) deleteTasks(tx *bolt.Tx, subjectID string) error {
	return tx.Bucket(bucketValidationTasks).Delete([]byte(subjectID))
}

func getTaskList(tx *bolt.Tx, subjectID string) ([]*wire.ValidationTask, error) {
	raw := tx.Bucket(bucketValidationTasks).Get([]byte(subjectID))
	if raw == nil {
		return nil, nil
	}
	r := newBinReader(raw)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]*wire.ValidationTask, 0, n)
	for i := uint32(0); i < n; i++ {
		blob, err := r.blob()
		if err != nil {
			return nil, err
		}
		var task wire.ValidationTask
		if err := task.UnmarshalBinary(blob); err != nil {
			return nil, err
		}
		out = append(out, &task)
	}
	return out, nil
}

func putTaskList(tx *bolt.Tx, subjectID string, tasks []*wire.ValidationTask) error {
	w := newBinWriter()
	w.u32(uint32(len(tasks)))
	for _, t := range tasks {
		b, err := t.MarshalBinary()
		if err != nil {
			return err
		}
		w.blob(b)
	}
	return tx.Bucket(bucketValidationTasks).Put([]byte(subjectID), w.bytes())
}

// LockOwner returns the raw-tx id that owns utxoID, if any.
func (d *DB) LockOwner(utxoID string) (string, bool, error) {
	var owner string
	var ok bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLockedUTXO).Get([]byte(utxoID))
		if v != nil {
			owner = string(v)
			ok = true
		}
		return nil
	})
	return owner, ok, err
}

// AllLockedUTXOs returns the full locked-utxo keyspace, used by
// invalidation cleanup.
func (d *DB) AllLockedUTXOs() (map[string]string, error) {
	out := map[string]string{}
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLockedUTXO).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			out[string(k)] = string(v)
		}
		return nil
	})
	return out, err
}

// PromoteRawTx deletes the raw-tx and its validation-tasks stub, puts
// the processing-tx record, and puts a new validator-task entry keyed by
// the processing-tx id, atomically.
func (d *DB) PromoteRawTx(rawTxID string, pt wire.ProcessingTx, validatorTask wire.ValidationTask) error {
	ptBytes, err := pt.MarshalBinary()
	if err != nil {
		return err
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		rawBucket := tx.Bucket(bucketRawTx)
		if rawBucket.Get([]byte(rawTxID)) == nil {
			return fmt.Errorf("store: promote: raw-tx %s not found: %w", rawTxID, ErrNotFound)
		}
		if err := rawBucket.Delete([]byte(rawTxID)); err != nil {
			return err
		}
		if err := d.deleteTasks(tx, rawTxID); err != nil {
			return err
		}
		if err := tx.Bucket(bucketProcessingTx).Put([]byte(pt.IDHex()), ptBytes); err != nil {
			return err
		}
		return putTaskList(tx, pt.IDHex(), []*wire.ValidationTask{&validatorTask})
	})
}

// GetProcessingTx is a point lookup by primary key.
func (d *DB) GetProcessingTx(id string) (*wire.ProcessingTx, bool, error) {
	var out *wire.ProcessingTx
	err := d.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProcessingTx).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var pt wire.ProcessingTx
		if err := pt.UnmarshalBinary(raw); err != nil {
			return err
		}
		out = &pt
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// PutProcessingTx stores a processing-tx that arrived via gossip and was
// not already present locally.
func (d *DB) PutProcessingTx(pt wire.ProcessingTx) error {
	b, err := pt.MarshalBinary()
	if err != nil {
		return err
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcessingTx).Put([]byte(pt.IDHex()), b)
	})
}

// FinalizeProcessingTx puts the finalized entry, deletes the raw-tx if
// still present on this node, and deletes validation-tasks for both
// subject ids, atomically.
func (d *DB) FinalizeProcessingTx(processingTxID, rawTxID string, entry wire.FinalizedEntry) error {
	entryBytes, err := entry.MarshalBinary()
	if err != nil {
		return err
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFinalizedTx).Put([]byte(processingTxID), entryBytes); err != nil {
			return err
		}
		if rawTxID != "" {
			if err := tx.Bucket(bucketRawTx).Delete([]byte(rawTxID)); err != nil {
				return err
			}
			if err := d.deleteTasks(tx, rawTxID); err != nil {
				return err
			}
		}
		return d.deleteTasks(tx, processingTxID)
	})
}

// GetFinalizedEntry is a point lookup by primary key.
func (d *DB) GetFinalizedEntry(processingTxID string) (*wire.FinalizedEntry, bool, error) {
	var out *wire.FinalizedEntry
	err := d.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFinalizedTx).Get([]byte(processingTxID))
		if raw == nil {
			return nil
		}
		var entry wire.FinalizedEntry
		if err := entry.UnmarshalBinary(raw); err != nil {
			return err
		}
		out = &entry
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Invalidate deletes the raw-tx, its validation-tasks, and every
// locked-utxo it owns; if a processing-tx-id is known it also deletes
// the processing-tx, its validator task, and its finalized entry. All in
// one atomic batch.
func (d *DB) Invalidate(rawTxID, processingTxID string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		if rawTxID != "" {
			if err := tx.Bucket(bucketRawTx).Delete([]byte(rawTxID)); err != nil {
				return err
			}
			if err := d.deleteTasks(tx, rawTxID); err != nil {
				return err
			}
			locked := tx.Bucket(bucketLockedUTXO)
			c := locked.Cursor()
			var toDelete [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if string(v) == rawTxID {
					toDelete = append(toDelete, append([]byte(nil), k...))
				}
			}
			for _, k := range toDelete {
				if err := locked.Delete(k); err != nil {
					return err
				}
			}
		}
		if processingTxID != "" {
			if err := tx.Bucket(bucketProcessingTx).Delete([]byte(processingTxID)); err != nil {
				return err
			}
			if err := d.deleteTasks(tx, processingTxID); err != nil {
				return err
			}
			if err := tx.Bucket(bucketFinalizedTx).Delete([]byte(processingTxID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneProcessedBefore deletes processing-tx records whose finalized
// entry was written before cutoffUnixNano, returning the ids removed.
// The finalized entry itself is the ledger's terminal state and is
// retained.
func (d *DB) PruneProcessedBefore(cutoffUnixNano int64) ([]string, error) {
	var pruned []string
	err := d.bolt.Update(func(tx *bolt.Tx) error {
		final := tx.Bucket(bucketFinalizedTx)
		proc := tx.Bucket(bucketProcessingTx)
		c := final.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry wire.FinalizedEntry
			if err := entry.UnmarshalBinary(v); err != nil {
				return err
			}
			if entry.FinalizedAt >= cutoffUnixNano {
				continue
			}
			if proc.Get(k) == nil {
				continue
			}
			if err := proc.Delete(k); err != nil {
				return err
			}
			pruned = append(pruned, string(k))
		}
		return nil
	})
	return pruned, err
}

// PutUptimeObservation stores a pulse observation for observedNodeID.
func (d *DB) PutUptimeObservation(observedNodeID string, obs wire.PulseObservation) error {
	b, err := obs.MarshalBinary()
	if err != nil {
		return err
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUptime).Put([]byte(observedNodeID), b)
	})
}

// GetUptimeObservation is a point lookup by primary key.
func (d *DB) GetUptimeObservation(observedNodeID string) (*wire.PulseObservation, bool, error) {
	var out *wire.PulseObservation
	err := d.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUptime).Get([]byte(observedNodeID))
		if raw == nil {
			return nil
		}
		var obs wire.PulseObservation
		if err := obs.UnmarshalBinary(raw); err != nil {
			return err
		}
		out = &obs
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// DeleteUptimeObservation removes an observed node that went inactive.
func (d *DB) DeleteUptimeObservation(observedNodeID string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUptime).Delete([]byte(observedNodeID))
	})
}

// AllUptimeObservations returns the full uptime keyspace, used by
// election aggregation.
func (d *DB) AllUptimeObservations() (map[string]wire.PulseObservation, error) {
	out := map[string]wire.PulseObservation{}
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUptime).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var obs wire.PulseObservation
			if err := obs.UnmarshalBinary(v); err != nil {
				return err
			}
			out[string(k)] = obs
		}
		return nil
	})
	return out, err
}
