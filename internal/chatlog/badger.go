package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tallyhq/tally/internal/chat"
)

const badgerKeyPrefix = "chatlog:"

// BadgerStore keeps chat logs in an embedded Badger database, one record per
// workspace. Suited to single-node deployments that want chat durability
// without widening the SQL schema.
type BadgerStore struct {
	db *badger.DB
}

type badgerRecord struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Messages  []chat.Message `json:"messages"`
}

// OpenBadgerStore opens (or creates) the store at the supplied path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New("chatlog: badger path is required")
	}

	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("chatlog: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(workspaceID string) []byte {
	return []byte(badgerKeyPrefix + workspaceID)
}

// Load returns the persisted log for a workspace, or an empty log when the
// key does not exist.
func (s *BadgerStore) Load(ctx context.Context, workspaceID string) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(workspaceID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chatlog: load %s: %w", workspaceID, err)
	}

	var record badgerRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("chatlog: decode %s: %w", workspaceID, err)
	}
	return record.Messages, nil
}

// Save replaces the workspace's log wholesale.
func (s *BadgerStore) Save(ctx context.Context, workspaceID string, messages []chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(badgerRecord{
		UpdatedAt: time.Now().UTC(),
		Messages:  messages,
	})
	if err != nil {
		return fmt.Errorf("chatlog: encode %s: %w", workspaceID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(workspaceID), payload)
	})
	if err != nil {
		return fmt.Errorf("chatlog: save %s: %w", workspaceID, err)
	}
	return nil
}

// PruneIdle deletes logs not written since the cutoff. Used by maintenance.
func (s *BadgerStore) PruneIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			var record badgerRecord
			err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &record)
			})
			if err != nil {
				return err
			}
			if record.UpdatedAt.Before(cutoff) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chatlog: prune scan: %w", err)
	}

	var deleted int64
	for _, key := range stale {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return deleted, fmt.Errorf("chatlog: prune delete: %w", err)
		}
		deleted++
	}

	return deleted, nil
}

// Close releases the underlying Badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
