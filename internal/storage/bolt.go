package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	MetricsBucket  = []byte("metrics")
	MetadataBucket = []byte("metadata")
)


// BoltStore keeps metric records in a local bbolt file, keyed by a
// big-endian sequence so cursor order is insertion order.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{MetricsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		meta := tx.Bucket(MetadataBucket)
		if meta.Get([]byte(CreatedAtKey)) == nil {
			return meta.Put([]byte(CreatedAtKey), []byte(time.Now().UTC().Format(time.RFC3339)))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Append(ctx context.Context, record *MetricRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetricsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate id: %w", err)
		}

		stored := *record
		stored.ID = int64(seq)

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal metric record: %w", err)
		}

		if err := bucket.Put(sequenceKey(seq), data); err != nil {
			return err
		}
		record.ID = stored.ID
		return nil
	})
}

// Latest returns the most recent record for each table, ordered by table
// name.
func (s *BoltStore) Latest(ctx context.Context) ([]MetricRecord, error) {
	latest := make(map[string]MetricRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(MetricsBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record MetricRecord
			if err := json.Unmarshal(v, &record); err != nil {
				continue
			}
			latest[record.TableName] = record
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]MetricRecord, 0, len(latest))
	for _, record := range latest {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].TableName < records[j].TableName
	})

	return records, nil
}

func (s *BoltStore) SetMetadata(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(MetadataBucket).Put([]byte(key), []byte(value))
	})
}

// Metadata returns the value stored under key and whether it was present.
func (s *BoltStore) Metadata(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(MetadataBucket).Get([]byte(key)); data != nil {
			value, found = string(data), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read metadata %s: %w", key, err)
	}

	return value, found, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
