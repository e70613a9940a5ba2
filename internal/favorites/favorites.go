// Package favorites persists the user's favourite sensors and cities so they
// survive restarts and can be shown before the first fetch completes.
package favorites

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/signalsfoundry/aqmap/internal/source"
	"github.com/signalsfoundry/aqmap/model"
)

// ErrNotFavorite is returned when removing a key that was never saved.
var ErrNotFavorite = errors.New("not a favorite")

// ErrUnsupportedKind rejects kinds that cannot be favourited.
var ErrUnsupportedKind = errors.New("kind cannot be favorited")

const keyPrefix = "fav/"

// Store is a badger-backed set of favourite entities.
type Store struct {
	db *badger.DB
}

// Open opens the store at path. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open favorites: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add saves e, overwriting any earlier snapshot.
func (s *Store) Add(e model.Entity) error {
	if !Favoritable(e.Kind()) {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, e.Kind())
	}
	val, err := json.Marshal(source.RecordOf(e))
	if err != nil {
		return fmt.Errorf("encode favorite: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(e.Key()), val)
	})
}

// Remove forgets k.
func (s *Store) Remove(k model.Key) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dbKey(k)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFavorite, k)
			}
			return err
		}
		return txn.Delete(dbKey(k))
	})
}

// Has reports whether k is saved.
func (s *Store) Has(k model.Key) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(dbKey(k))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns every saved favourite ordered by kind, then id.
func (s *Store) List() ([]model.Entity, error) {
	var out []model.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var r source.Record
				if err := json.Unmarshal(v, &r); err != nil {
					return err
				}
				e, err := r.Entity()
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return fmt.Errorf("read %s: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
	return out, err
}

// Lookup finds the current state of an entity.
type Lookup func(model.Key) (model.Entity, bool)

// Resolve returns the favourites with their saved snapshots replaced by the
// live state from lookup where available. Snapshots that changed are written
// back.
func (s *Store) Resolve(lookup Lookup) ([]model.Entity, error) {
	saved, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]model.Entity, 0, len(saved))
	for _, e := range saved {
		live, ok := lookup(e.Key())
		if ok && !live.SameState(e) {
			if err := s.Add(live); err != nil {
				return nil, err
			}
			e = live
		}
		out = append(out, e)
	}
	return out, nil
}

// Favoritable reports whether entities of kind k can be saved.
func Favoritable(k model.Kind) bool {
	return k == model.KindSensor || k == model.KindPollenSensor || k == model.KindCity
}

// dbKey is fav/<kind>/<id> with the kind zero padded so iteration follows
// kind order.
func dbKey(k model.Key) []byte {
	return []byte(fmt.Sprintf("%s%02d/%s", keyPrefix, int(k.Kind), k.ID))
}
