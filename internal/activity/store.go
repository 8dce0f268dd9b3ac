// Package activity implements the dual activity log of spec.md §4.10: a
// bbolt-backed indexed store for queryable record kinds, and an
// append-only JSON-lines journal for durable sequential history. Writers
// degrade gracefully through indexed-store -> journal-only -> RAM-backed
// -> stderr -> discard rather than blocking the daemon loop.
//
// Grounded on the teacher's internal/storage/bolt.go (bucket-per-record-
// kind schema, single-writer ACID transactions, atomic schema check) for
// the indexed store, and internal/escalation/camouflage.go's
// ChannelDecoyEventSink (non-blocking select/default Emit with a drop
// counter) for the bounded logger channel.
package activity

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current indexed-store schema version.
	SchemaVersion = "1"

	bucketPressureSamples   = "pressure_samples"
	bucketDecisions         = "decisions"
	bucketDeletions         = "deletions"
	bucketBallastOps        = "ballast_ops"
	bucketPolicyTransitions = "policy_transitions"
	bucketErrors            = "errors"
	bucketMeta              = "meta"
)

var allBuckets = []string{
	bucketPressureSamples,
	bucketDecisions,
	bucketDeletions,
	bucketBallastOps,
	bucketPolicyTransitions,
	bucketErrors,
	bucketMeta,
}

// Record is any activity record written to the indexed store. Kind
// selects the bucket; Key must be sortable (a zero-padded timestamp
// prefix, as the teacher's ledgerKey does) so range scans return
// chronological order.
type Record struct {
	Kind string
	Key  string
	Body json.RawMessage
}

const (
	KindPressureSample   = "pressure_sample"
	KindDecision         = "decision"
	KindDeletion         = "deletion"
	KindBallastOp        = "ballast_op"
	KindPolicyTransition = "policy_transition"
	KindError            = "error"
)

func bucketForKind(kind string) (string, error) {
	switch kind {
	case KindPressureSample:
		return bucketPressureSamples, nil
	case KindDecision:
		return bucketDecisions, nil
	case KindDeletion:
		return bucketDeletions, nil
	case KindBallastOp:
		return bucketBallastOps, nil
	case KindPolicyTransition:
		return bucketPolicyTransitions, nil
	case KindError:
		return bucketErrors, nil
	default:
		return "", fmt.Errorf("activity: unknown record kind %q", kind)
	}
}

// IndexKey builds a sortable key from an instant and a disambiguator,
// mirroring the teacher's ledgerKey(t, pid) scheme.
func IndexKey(t time.Time, disambiguator string) string {
	return fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), disambiguator)
}

// Store wraps a BoltDB instance with bucket-per-kind accessors.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the indexed store at path, initializing all
// buckets and verifying the schema version in one write transaction.
func OpenStore(path string) (*Store, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("activity: bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: bdb}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("activity: store initialisation failed: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("activity: schema version mismatch: store has %q, daemon requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes rec into its kind's bucket.
func (s *Store) Put(rec Record) error {
	bucket, err := bucketForKind(rec.Kind)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		return b.Put([]byte(rec.Key), rec.Body)
	})
}

// Scan returns all records of kind in key order (chronological, given
// IndexKey's sortable prefix).
func (s *Store) Scan(kind string) ([]Record, error) {
	bucket, err := bucketForKind(kind)
	if err != nil {
		return nil, err
	}
	var out []Record
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			body := make(json.RawMessage, len(v))
			copy(body, v)
			out = append(out, Record{Kind: kind, Key: string(k), Body: body})
		}
		return nil
	})
	return out, err
}

// Prune deletes records in kind's bucket with keys lexicographically
// before cutoffKey, returning the number removed. No retention sweep in
// this module calls it; records stay in the store until pruned by a caller.
func (s *Store) Prune(kind, cutoffKey string) (int, error) {
	bucket, err := bucketForKind(kind)
	if err != nil {
		return 0, err
	}
	var deleted int
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= cutoffKey {
				break
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			toDelete = append(toDelete, kc)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
