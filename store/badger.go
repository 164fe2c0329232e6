package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/gloworm-vision/depthcam/stream"
	"github.com/sirupsen/logrus"
)

// Badger stores settings gob-encoded in a badger DB.
type Badger struct {
	db *badger.DB
}

var _ Store = &Badger{}

const (
	badgerSettingsKey   = "settings"
	badgerPresetsPrefix = "presets/"
)

// OpenBadger opens a badger DB in the directory at path. An empty path keeps
// the DB in memory. Badger's own logging goes to logger.
func OpenBadger(path string, logger *logrus.Logger) (*Badger, error) {
	options := badger.DefaultOptions(path)
	if path == "" {
		options = options.WithInMemory(true)
	}

	if logger != nil {
		options = options.WithLogger(logger)
	} else {
		options = options.WithLogger(nil)
	}

	return OpenBadgerDB(options)
}

// OpenBadgerDB opens a badger DB with the given options as a settings store.
func OpenBadgerDB(options badger.Options) (*Badger, error) {
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("unable to open badger db: %w", err)
	}

	return &Badger{db: db}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Settings() (stream.Settings, error) {
	var s stream.Settings
	err := b.db.View(func(tx *badger.Txn) error {
		return getGob(tx, badgerSettingsKey, &s)
	})
	if err != nil {
		return s, fmt.Errorf("couldn't get settings: %w", err)
	}

	return s, nil
}

func (b *Badger) PutSettings(s stream.Settings) error {
	err := b.db.Update(func(tx *badger.Txn) error {
		return setGob(tx, badgerSettingsKey, s)
	})
	if err != nil {
		return fmt.Errorf("couldn't put settings: %w", err)
	}

	return nil
}

func (b *Badger) Preset(name string) (stream.Settings, error) {
	var s stream.Settings
	err := b.db.View(func(tx *badger.Txn) error {
		return getGob(tx, badgerPresetsPrefix+name, &s)
	})
	if err != nil {
		return s, fmt.Errorf("couldn't get preset %q: %w", name, err)
	}

	return s, nil
}

func (b *Badger) ListPresets() ([]string, error) {
	names := make([]string, 0)

	err := b.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerPresetsPrefix)

		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), badgerPresetsPrefix))
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't list presets: %w", err)
	}

	return names, nil
}

func (b *Badger) PutPreset(name string, s stream.Settings) error {
	if err := validPresetName(name); err != nil {
		return err
	}

	err := b.db.Update(func(tx *badger.Txn) error {
		return setGob(tx, badgerPresetsPrefix+name, s)
	})
	if err != nil {
		return fmt.Errorf("couldn't put preset %q: %w", name, err)
	}

	return nil
}

func (b *Badger) DeletePreset(name string) error {
	key := []byte(badgerPresetsPrefix + name)

	err := b.db.Update(func(tx *badger.Txn) error {
		if _, err := tx.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		return tx.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("couldn't delete preset %q: %w", name, err)
	}

	return nil
}

func getGob(tx *badger.Txn, key string, v interface{}) error {
	item, err := tx.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("couldn't get raw %q: %w", key, err)
	}

	return item.Value(func(val []byte) error {
		if err := gob.NewDecoder(bytes.NewReader(val)).Decode(v); err != nil {
			return fmt.Errorf("couldn't decode %q with gob: %w", key, err)
		}

		return nil
	})
}

func setGob(tx *badger.Txn, key string, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("couldn't encode %q with gob: %w", key, err)
	}

	if err := tx.Set([]byte(key), buf.Bytes()); err != nil {
		return fmt.Errorf("couldn't set %q: %w", key, err)
	}

	return nil
}
