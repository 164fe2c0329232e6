package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gloworm-vision/depthcam/stream"
	"go.etcd.io/bbolt"
)

type BBolt struct {
	db *bbolt.DB
}

var _ Store = &BBolt{}

const (
	bboltDepthcamBucket = "depthcam"
	bboltPresetBucket   = "presets" // child of depthcam

	// depthcam keys
	bboltSettingsKey = "settings"
)

// OpenBBolt opens a BBoltDB database at the given path and creates the needed buckets
// if they don't exist.
func OpenBBolt(path string, mode os.FileMode, options *bbolt.Options) (*BBolt, error) {
	db, err := bbolt.Open(path, mode, options)
	if err != nil {
		return nil, fmt.Errorf("unable to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		depthcamBucket, err := tx.CreateBucketIfNotExists([]byte(bboltDepthcamBucket))
		if err != nil {
			return fmt.Errorf("unable to create bucket %q: %w", bboltDepthcamBucket, err)
		}

		_, err = depthcamBucket.CreateBucketIfNotExists([]byte(bboltPresetBucket))
		if err != nil {
			return fmt.Errorf("unable to create bucket %q: %w", bboltPresetBucket, err)
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create bbolt buckets: %w", err)
	}

	return &BBolt{
		db: db,
	}, nil
}

func (b *BBolt) Close() error {
	return b.db.Close()
}

func (b *BBolt) Settings() (stream.Settings, error) {
	var s stream.Settings
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bboltDepthcamBucket))
		return getJSON(bucket, bboltSettingsKey, &s)
	})
	if err != nil {
		return s, fmt.Errorf("unable to get settings: %w", err)
	}

	return s, nil
}

func (b *BBolt) PutSettings(s stream.Settings) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bboltDepthcamBucket))
		return putJSON(bucket, bboltSettingsKey, s)
	})
	if err != nil {
		return fmt.Errorf("unable to update settings: %w", err)
	}

	return nil
}

func (b *BBolt) Preset(name string) (stream.Settings, error) {
	var s stream.Settings
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(b.presets(tx), name, &s)
	})
	if err != nil {
		return s, fmt.Errorf("unable to get preset %q: %w", name, err)
	}

	return s, nil
}

func (b *BBolt) ListPresets() ([]string, error) {
	names := make([]string, 0)

	err := b.db.View(func(tx *bbolt.Tx) error {
		err := b.presets(tx).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
		if err != nil {
			return fmt.Errorf("unable to iterate over preset bucket: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list presets: %w", err)
	}

	return names, nil
}

func (b *BBolt) PutPreset(name string, s stream.Settings) error {
	if err := validPresetName(name); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(b.presets(tx), name, s)
	})
	if err != nil {
		return fmt.Errorf("unable to update preset %q: %w", name, err)
	}

	return nil
}

func (b *BBolt) DeletePreset(name string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := b.presets(tx)
		if bucket.Get([]byte(name)) == nil {
			return ErrNotFound
		}

		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("unable to delete preset %q: %w", name, err)
	}

	return nil
}

func (b *BBolt) presets(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket([]byte(bboltDepthcamBucket)).Bucket([]byte(bboltPresetBucket))
}

func getJSON(bucket *bbolt.Bucket, key string, v interface{}) error {
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return ErrNotFound
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unable to unmarshal %q JSON: %w", key, err)
	}

	return nil
}

func putJSON(bucket *bbolt.Bucket, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to marshal %q: %w", key, err)
	}

	if err := bucket.Put([]byte(key), raw); err != nil {
		return fmt.Errorf("unable to put %q: %w", key, err)
	}

	return nil
}
