package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServices = []byte("services")
)

// Store is the transactional state store. Every service record lives in its
// own nested bucket under "services", one JSON value per Field.
type Store struct {
	db     *bolt.DB
	locks  *lockTable
	owners atomic.Uint64
	logger zerolog.Logger
}

// DefaultOpenTimeout is how long Open waits for the file lock
const DefaultOpenTimeout = 5 * time.Second

// Option configures Open
type Option func(*bolt.Options)

// WithOpenTimeout sets how long Open waits for another process to release
// the database file
func WithOpenTimeout(d time.Duration) Option {
	return func(o *bolt.Options) {
		o.Timeout = d
	}
}

// NewBoltStore opens (or creates) keeper.db inside dataDir
func NewBoltStore(dataDir string, opts ...Option) (*Store, error) {
	return Open(filepath.Join(dataDir, "keeper.db"), opts...)
}

// Open opens the database file at path. bbolt locks the file for the
// lifetime of the Store, so only one process can have it open; a second
// Open fails with ErrInUse once the timeout passes.
func Open(path string, opts ...Option) (*Store, error) {
	options := &bolt.Options{Timeout: DefaultOpenTimeout}
	for _, opt := range opts {
		opt(options)
	}

	db, err := bolt.Open(path, 0600, options)
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("failed to open database %s: %w", path, ErrInUse)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketServices); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketServices, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		locks:  newLockTable(),
		logger: log.WithComponent("storage"),
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin opens a root transaction
func (s *Store) Begin() *Tx {
	owner := s.owners.Add(1)
	return &Tx{
		store:  s,
		owner:  owner,
		writes: make(map[Location]*pendingWrite),
	}
}

// ListServices returns the ids of every service with a committed manifest
func (s *Store) ListServices() ([]types.ServiceID, error) {
	var ids []types.ServiceID
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketServices)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // not a nested bucket
			}
			if sb := root.Bucket(k); sb != nil && sb.Get([]byte(FieldManifest)) != nil {
				ids = append(ids, types.ServiceID(k))
			}
			return nil
		})
	})
	return ids, err
}

// readCommitted returns a copy of the committed value at loc
func (s *Store) readCommitted(loc Location) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketServices).Bucket([]byte(loc.Service))
		if sb == nil {
			return nil
		}
		if v := sb.Get([]byte(loc.Field)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// commit applies a root write log in one bbolt transaction. Every location
// must still hold the value it had when the log first wrote it.
func (s *Store) commit(writes map[Location]*pendingWrite) error {
	if len(writes) == 0 {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StoreCommitDuration)

	locs := make([]Location, 0, len(writes))
	for loc := range writes {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].String() < locs[j].String() })

	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketServices)
		touched := make(map[types.ServiceID]*bolt.Bucket)

		for _, loc := range locs {
			w := writes[loc]
			sb, err := root.CreateBucketIfNotExists([]byte(loc.Service))
			if err != nil {
				return storeErr("commit", loc, err)
			}
			touched[loc.Service] = sb

			if current := sb.Get([]byte(loc.Field)); !bytes.Equal(current, w.base) {
				metrics.StoreConflictsTotal.Inc()
				return storeErr("commit", loc, ErrConflict)
			}

			if w.deleted {
				err = sb.Delete([]byte(loc.Field))
			} else {
				err = sb.Put([]byte(loc.Field), w.data)
			}
			if err != nil {
				return storeErr("commit", loc, err)
			}
		}

		// Drop records whose last field was removed
		for id, sb := range touched {
			if k, _ := sb.Cursor().First(); k == nil {
				if err := root.DeleteBucket([]byte(id)); err != nil {
					return storeErr("commit", At(id, ""), err)
				}
			}
		}
		return nil
	})
}
