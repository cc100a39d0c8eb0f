// Package store persists posts and their annotations in BadgerDB.
//
// Values are msgpack-encoded types.StoredPost records keyed by post id. An
// annotation is written in a single read-modify-write transaction, so a
// reader sees either the previous record or the fully annotated one.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/menta2k/image-semantics/pkg/types"
)

// ErrNotFound is returned when no post exists for an id
var ErrNotFound = errors.New("store: post not found")

const postPrefix = "post:"

func postKey(id string) []byte {
	return []byte(postPrefix + id)
}

// Store is a BadgerDB-backed post store
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// badgerLogger adapts zap to badger.Logger
type badgerLogger struct {
	s *zap.SugaredLogger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, args ...any)   { l.s.Errorf(msg, args...) }
func (l *badgerLogger) Warningf(msg string, args ...any) { l.s.Warnf(msg, args...) }
func (l *badgerLogger) Infof(msg string, args ...any)    { l.s.Debugf(msg, args...) }
func (l *badgerLogger) Debugf(msg string, args ...any)   { l.s.Debugf(msg, args...) }

// Open opens the store at path, creating the directory if needed. With
// inMemory set the path is ignored and nothing touches disk.
func Open(path string, inMemory bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLogger{s: logger.Named("badger").Sugar()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes a post record, replacing any previous one
func (s *Store) Save(_ context.Context, p types.StoredPost) error {
	if p.ID == "" {
		return errors.New("store: empty post id")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return putPost(txn, p)
	})
}

// Get returns the record of a post
func (s *Store) Get(_ context.Context, id string) (types.StoredPost, error) {
	var p types.StoredPost
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		p, err = getPost(txn, id)
		return err
	})
	return p, err
}

// List returns up to limit posts in key order. A limit below 1 means no limit.
func (s *Store) List(_ context.Context, limit int) ([]types.StoredPost, error) {
	var out []types.StoredPost
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(postPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var p types.StoredPost
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &p)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// SetStatus updates the status of an existing post
func (s *Store) SetStatus(_ context.Context, id string, status types.PostStatus) error {
	return s.db.Update(func(txn *badger.Txn) error {
		p, err := getPost(txn, id)
		if err != nil {
			return err
		}
		p.Status = status
		return putPost(txn, p)
	})
}

// Publish stores an annotation and marks the post completed in one
// transaction. Unknown posts are created.
func (s *Store) Publish(_ context.Context, a types.Annotation) error {
	if a.PostID == "" {
		return errors.New("store: annotation without post id")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		p, err := getPost(txn, a.PostID)
		if errors.Is(err, ErrNotFound) {
			p = types.StoredPost{ID: a.PostID}
		} else if err != nil {
			return err
		}
		p.Annotation = a
		p.Status = types.StatusCompleted
		return putPost(txn, p)
	})
	if err != nil {
		return fmt.Errorf("store annotation %s: %w", a.PostID, err)
	}
	s.logger.Debug("annotation stored", zap.String("post_id", a.PostID))
	return nil
}

func getPost(txn *badger.Txn, id string) (types.StoredPost, error) {
	var p types.StoredPost
	item, err := txn.Get(postKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return p, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return p, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return p, err
	}
	if err := msgpack.Unmarshal(val, &p); err != nil {
		return p, fmt.Errorf("decode post %s: %w", id, err)
	}
	return p, nil
}

func putPost(txn *badger.Txn, p types.StoredPost) error {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode post %s: %w", p.ID, err)
	}
	return txn.Set(postKey(p.ID), data)
}
