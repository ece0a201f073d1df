package arenadb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const settlementsBucket = "settlements"

// BoltDB is the bbolt-backed ArenaDB. Records live under
// settlements/<gameID>/<seq> so per-game lookups are a single sub-bucket
// walk.
type BoltDB struct {
	db *bolt.DB
}

var _ ArenaDB = (*BoltDB)(nil)

func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(settlementsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func gameKey(gameID uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, gameID)
	return k
}

func (b *BoltDB) StoreSettlement(_ context.Context, rec *SettlementRecord) error {
	if rec == nil {
		return fmt.Errorf("nil settlement record")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(settlementsBucket))
		if root == nil {
			return ErrMainBucketNotFound
		}
		gb, err := root.CreateBucketIfNotExists(gameKey(rec.GameID))
		if err != nil {
			return fmt.Errorf("create game bucket: %w", err)
		}
		seq, err := gb.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = seq
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal settlement record: %w", err)
		}
		return gb.Put(gameKey(seq), val)
	})
}

func (b *BoltDB) FetchSettlementsByGame(_ context.Context, gameID uint64) ([]*SettlementRecord, error) {
	var out []*SettlementRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(settlementsBucket))
		if root == nil {
			return ErrMainBucketNotFound
		}
		gb := root.Bucket(gameKey(gameID))
		if gb == nil {
			return ErrGameNotFound
		}
		return gb.ForEach(func(_, v []byte) error {
			var rec SettlementRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal settlement record: %w", err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) FetchAllSettlements(_ context.Context) ([]*SettlementRecord, error) {
	var out []*SettlementRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(settlementsBucket))
		if root == nil {
			return ErrMainBucketNotFound
		}
		return root.ForEachBucket(func(k []byte) error {
			gb := root.Bucket(k)
			return gb.ForEach(func(_, v []byte) error {
				var rec SettlementRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("unmarshal settlement record: %w", err)
				}
				out = append(out, &rec)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}
