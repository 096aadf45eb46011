// Package badgerstore stores deployments in an embedded badger key/value database
// for single-node installs that want persistence without PostgreSQL.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/splax/deployments/internal/domain"
	"github.com/splax/deployments/internal/repository"
)

const seqBandwidth = 64

var (
	recordPrefix = []byte("deployments/")
	sequenceKey  = []byte("seq/deployments")
)

// Options configures where the database lives.
type Options struct {
	Dir      string
	InMemory bool
	Now      func() time.Time
}

// Repository implements repository.DeploymentRepository on badger.
type Repository struct {
	db  *badger.DB
	seq *badger.Sequence
	// writes are serialised so read-modify-write updates never race each other.
	mu  sync.Mutex
	now func() time.Time
}

var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.HealthChecker        = (*Repository)(nil)
)

// Open opens (or creates) the database described by opts.
func Open(opts Options) (*Repository, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badger: empty data directory")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		bopts = badger.DefaultOptions(filepath.Join(opts.Dir, "badger"))
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence(sequenceKey, seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open id sequence: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Repository{db: db, seq: seq, now: now}, nil
}

// Close releases the id lease and closes the database.
func (r *Repository) Close() error {
	seqErr := r.seq.Release()
	if err := r.db.Close(); err != nil {
		return err
	}
	return seqErr
}

// CreateDeployment stores a new deployment under the next sequence value.
func (r *Repository) CreateDeployment(_ context.Context, input domain.DeploymentInput) (domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.seq.Next()
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("next deployment id: %w", err)
	}
	now := r.now().UTC()
	d := domain.Deployment{
		ID:          int64(n) + 1,
		Name:        input.Name,
		Version:     input.Version,
		Environment: input.Environment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.db.Update(func(txn *badger.Txn) error {
		return put(txn, d)
	}); err != nil {
		return domain.Deployment{}, fmt.Errorf("store deployment: %w", err)
	}
	return d, nil
}

// ListDeployments iterates records in id order.
func (r *Repository) ListDeployments(_ context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0)
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix); it.Next() {
			var d domain.Deployment
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if filter.Matches(d) {
				deployments = append(deployments, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return deployments, nil
}

// GetDeploymentByID returns the stored deployment when present.
func (r *Repository) GetDeploymentByID(_ context.Context, id int64) (domain.Deployment, bool, error) {
	var (
		d     domain.Deployment
		found bool
	)
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		d, found, err = get(txn, id)
		return err
	})
	if err != nil {
		return domain.Deployment{}, false, fmt.Errorf("get deployment %d: %w", id, err)
	}
	return d, found, nil
}

// UpdateDeployment merges the patch inside one transaction.
func (r *Repository) UpdateDeployment(_ context.Context, id int64, patch domain.DeploymentPatch) (domain.Deployment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		d     domain.Deployment
		found bool
	)
	err := r.db.Update(func(txn *badger.Txn) error {
		var err error
		d, found, err = get(txn, id)
		if err != nil || !found {
			return err
		}
		patch.Apply(&d)
		if now := r.now().UTC(); now.After(d.UpdatedAt) {
			d.UpdatedAt = now
		}
		return put(txn, d)
	})
	if err != nil {
		return domain.Deployment{}, false, fmt.Errorf("update deployment %d: %w", id, err)
	}
	return d, found, nil
}

// DeleteDeployment removes the record if it exists.
func (r *Repository) DeleteDeployment(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found bool
	err := r.db.Update(func(txn *badger.Txn) error {
		key := recordKey(id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("delete deployment %d: %w", id, err)
	}
	return found, nil
}

// Ping reports whether the database is still open.
func (r *Repository) Ping(context.Context) error {
	if r.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func get(txn *badger.Txn, id int64) (domain.Deployment, bool, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.Deployment{}, false, nil
		}
		return domain.Deployment{}, false, err
	}
	var d domain.Deployment
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &d)
	}); err != nil {
		return domain.Deployment{}, false, fmt.Errorf("decode deployment %d: %w", id, err)
	}
	return d, true, nil
}

func put(txn *badger.Txn, d domain.Deployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	return txn.Set(recordKey(d.ID), data)
}

// recordKey uses a big-endian id so iteration order equals id order.
func recordKey(id int64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], uint64(id))
	return key
}
