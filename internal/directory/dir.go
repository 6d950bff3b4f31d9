// Package directory maintains the local channel key directory, a mapping of
// channel names to their pre-shared keys.
//
// The directory lives in a bbolt database under the data directory. The
// listener and the one-shot decoder load every entry into a crypto.Keyring
// at startup; nothing is written back while decoding.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/yaleman/yaleman-meshtastic-tools/internal/crypto"
)

const dbFile = "keys.db"

var bucketChannels = []byte("channels")

// ErrReadOnly is returned by writes on a directory opened with Open.
var ErrReadOnly = errors.New("directory: opened read-only")

// ErrNotFound is returned when removing a channel that has no entry.
var ErrNotFound = errors.New("directory: channel not found")

// Entry is one stored channel key.
type Entry struct {
	Channel string `json:"channel"` // channel id as seen in ServiceEnvelope.channel_id
	PSK     string `json:"psk"`     // base64 PSK as configured on the device
	Added   int64  `json:"added"`   // Unix seconds
}

// Key expands the entry's PSK.
func (e *Entry) Key() (crypto.Key, error) {
	return crypto.ParsePSK(e.PSK)
}

// Directory is a persistent channel key store backed by bbolt.
type Directory struct {
	db       *bolt.DB
	readOnly bool
}

// New opens (or creates) the key database inside dir.
func New(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, dbFile), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketChannels)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Directory{db: db}, nil
}

// Open opens the existing key database inside dir without write access and
// without creating anything. A missing database gives an error matching
// fs.ErrNotExist.
func Open(dir string) (*Directory, error) {
	path := filepath.Join(dir, dbFile)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true, Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	return &Directory{db: db, readOnly: true}, nil
}

// Close closes the underlying database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Add inserts or replaces the key for e.Channel after checking the PSK.
func (d *Directory) Add(e *Entry) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if e.Channel == "" {
		return errors.New("directory: empty channel name")
	}
	if _, err := e.Key(); err != nil {
		return fmt.Errorf("directory: %s: %w", e.Channel, err)
	}
	if e.Added == 0 {
		e.Added = time.Now().Unix()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChannels).Put([]byte(e.Channel), data)
	})
}

// Remove deletes the key for channel.
func (d *Directory) Remove(channel string) error {
	if d.readOnly {
		return ErrReadOnly
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketChannels)
		if bkt.Get([]byte(channel)) == nil {
			return fmt.Errorf("%w: %q", ErrNotFound, channel)
		}
		return bkt.Delete([]byte(channel))
	})
}

// Lookup finds the entry for channel. Returns nil if not found.
func (d *Directory) Lookup(channel string) *Entry {
	var e Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketChannels)
		if bkt == nil {
			return ErrNotFound
		}
		data := bkt.Get([]byte(channel))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil
	}
	return &e
}

// All returns every entry ordered by channel name.
func (d *Directory) All() []Entry {
	var out []Entry
	d.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		bkt := tx.Bucket(bucketChannels)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, v []byte) error {
			var e Entry
			if json.Unmarshal(v, &e) == nil {
				out = append(out, e)
			}
			return nil
		})
	})
	return out
}

// Load registers every stored key with kr.
func (d *Directory) Load(kr *crypto.Keyring) error {
	for _, e := range d.All() {
		key, err := e.Key()
		if err != nil {
			return fmt.Errorf("directory: %s: %w", e.Channel, err)
		}
		kr.Register(e.Channel, key)
	}
	return nil
}
