package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultPSK is the well-known key of the default channel, base64 encoded.
const DefaultPSK = "1PG7OiApB1nwvP+rz05pAQ=="

// Key is expanded AES key material. A zero-length Key means "no encryption".
type Key []byte

// ErrKeyNotFound is returned by a strict Keyring for an unregistered channel.
var ErrKeyNotFound = errors.New("crypto: no key registered for channel")

var defaultKey = mustDecode(DefaultPSK)

func mustDecode(s string) Key {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// DefaultKey returns a copy of the default channel key.
func DefaultKey() Key {
	return append(Key(nil), defaultKey...)
}

// ExpandPSK turns a channel PSK as configured on a device into key material.
//
//	0 bytes or {0}  no encryption
//	{n}, n >= 1     default key with the last byte increased by n-1
//	16 / 32 bytes   AES-128 / AES-256 key as is
//
// Any other length is returned as is and fails when used.
func ExpandPSK(psk []byte) Key {
	switch {
	case len(psk) == 0, len(psk) == 1 && psk[0] == 0:
		return Key{}
	case len(psk) == 1:
		k := DefaultKey()
		k[len(k)-1] += psk[0] - 1
		return k
	}
	return append(Key(nil), psk...)
}

// ParsePSK decodes a base64 PSK and expands it.
func ParsePSK(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("psk: %w", err)
	}
	switch len(b) {
	case 0, 1, 16, 32:
	default:
		return nil, fmt.Errorf("psk: %d bytes, want 0, 1, 16 or 32", len(b))
	}
	return ExpandPSK(b), nil
}

// Keyring resolves the key for a channel id. Unregistered channels fall back
// to the default key unless Strict is set.
type Keyring struct {
	Strict bool

	mu   sync.RWMutex
	keys map[string]Key
}

// NewKeyring returns an empty, non-strict keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]Key)}
}

// Register associates key with channel, replacing any earlier key.
func (r *Keyring) Register(channel string, key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = make(map[string]Key)
	}
	r.keys[channel] = append(Key(nil), key...)
}

// Resolve returns the key for channel. The empty channel always resolves to
// the default key.
func (r *Keyring) Resolve(channel string) (Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.keys[channel]; ok {
		return k, nil
	}
	if channel == "" || !r.Strict {
		return defaultKey, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, channel)
}

// Channels lists the registered channel ids in sorted order.
func (r *Keyring) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.keys))
	for ch := range r.keys {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
