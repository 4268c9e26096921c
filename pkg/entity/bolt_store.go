package entity

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta = []byte("meta")

	nextIDPrefix = "next-id:"
	kindPrefix   = "kind:"
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists entities in BoltDB, one bucket per kind. Encoded key
// paths order descendants directly behind their ancestors, so ancestor
// queries run as prefix scans.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// record is the stored form of an Entity.
type record struct {
	Key   Key            `json:"key"`
	Props map[string]any `json:"props"`
}

// NewBoltStore initialises a Bolt-backed entity store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return fmt.Errorf("boltdb: create bucket %s: %w", bucketMeta, err)
		}
		return nil
	})
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltStore) Get(ctx context.Context, key Key) (Entity, error) {
	if key.Incomplete() {
		return Entity{}, ErrIncomplete
	}
	var e Entity
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getEntity(tx, key)
		return err
	})
	return e, err
}

func (b *BoltStore) Put(ctx context.Context, e Entity) (Entity, error) {
	if len(e.Key) == 0 {
		return Entity{}, ErrIncomplete
	}
	var stored Entity
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		stored, err = putEntity(tx, e)
		return err
	})
	return stored, err
}

func (b *BoltStore) Delete(ctx context.Context, key Key) error {
	if key.Incomplete() {
		return ErrIncomplete
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return deleteEntity(tx, key)
	})
}

func (b *BoltStore) Run(ctx context.Context, q Query) ([]Entity, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	var out []Entity
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = runQuery(tx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortEntities(out, q.Orders)
	return applyLimit(out, q.Limit), nil
}

// Begin opens a writable transaction. BoltDB allows a single writer, so two
// concurrent transactions serialise here.
func (b *BoltStore) Begin(ctx context.Context) (Txn, error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &boltTxn{tx: tx}, nil
}

type boltTxn struct {
	tx     *bolt.Tx
	closed bool
}

func (t *boltTxn) Get(ctx context.Context, key Key) (Entity, error) {
	if key.Incomplete() {
		return Entity{}, ErrIncomplete
	}
	return getEntity(t.tx, key)
}

func (t *boltTxn) Put(ctx context.Context, e Entity) (Entity, error) {
	if len(e.Key) == 0 {
		return Entity{}, ErrIncomplete
	}
	return putEntity(t.tx, e)
}

func (t *boltTxn) Delete(ctx context.Context, key Key) error {
	if key.Incomplete() {
		return ErrIncomplete
	}
	return deleteEntity(t.tx, key)
}

func (t *boltTxn) Run(ctx context.Context, q Query) ([]Entity, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	out, err := runQuery(t.tx, q)
	if err != nil {
		return nil, err
	}
	sortEntities(out, q.Orders)
	return applyLimit(out, q.Limit), nil
}

func (t *boltTxn) Commit(ctx context.Context) error {
	if t.closed {
		return errors.New("boltdb: transaction already closed")
	}
	t.closed = true
	return t.tx.Commit()
}

func (t *boltTxn) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.tx.Rollback()
}

// --- shared tx helpers ---

func kindBucketName(kind string) []byte {
	return []byte(kindPrefix + kind)
}

func getEntity(tx *bolt.Tx, key Key) (Entity, error) {
	bkt := tx.Bucket(kindBucketName(key.Kind()))
	if bkt == nil {
		return Entity{}, ErrNotFound
	}
	data := bkt.Get(key.Encode())
	if data == nil {
		return Entity{}, ErrNotFound
	}
	return decodeRecord(data)
}

func putEntity(tx *bolt.Tx, e Entity) (Entity, error) {
	stored := e.Clone()
	if stored.Key.Incomplete() {
		id, err := allocateID(tx, stored.Key.Kind())
		if err != nil {
			return Entity{}, err
		}
		stored.Key[len(stored.Key)-1].ID = id
	}
	bkt, err := tx.CreateBucketIfNotExists(kindBucketName(stored.Key.Kind()))
	if err != nil {
		return Entity{}, err
	}
	data, err := json.Marshal(record{Key: stored.Key, Props: stored.Props})
	if err != nil {
		return Entity{}, err
	}
	if err := bkt.Put(stored.Key.Encode(), data); err != nil {
		return Entity{}, err
	}
	return stored, nil
}

func deleteEntity(tx *bolt.Tx, key Key) error {
	bkt := tx.Bucket(kindBucketName(key.Kind()))
	if bkt == nil {
		return nil
	}
	return bkt.Delete(key.Encode())
}

func runQuery(tx *bolt.Tx, q Query) ([]Entity, error) {
	bkt := tx.Bucket(kindBucketName(q.Kind))
	if bkt == nil {
		return nil, nil
	}
	var out []Entity
	c := bkt.Cursor()
	if len(q.Ancestor) > 0 {
		prefix := q.Ancestor.Encode()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			e, err := decodeRecord(v)
			if err != nil {
				return nil, err
			}
			if matchEntity(e, q) {
				out = append(out, e)
			}
		}
		return out, nil
	}
	for k, v := c.First(); k != nil; k, v = c.Next() {
		e, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		if matchEntity(e, q) {
			out = append(out, e)
		}
	}
	return out, nil
}

func allocateID(tx *bolt.Tx, kind string) (int64, error) {
	meta := tx.Bucket(bucketMeta)
	if meta == nil {
		var err error
		meta, err = tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return 0, err
		}
	}
	key := []byte(nextIDPrefix + kind)
	cur := decodeUint64(meta.Get(key))
	if cur == 0 {
		cur = 1
	}
	if err := meta.Put(key, encodeUint64(cur+1)); err != nil {
		return 0, err
	}
	return int64(cur), nil
}

func decodeRecord(data []byte) (Entity, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entity{}, err
	}
	return Entity{Key: rec.Key, Props: rec.Props}, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
