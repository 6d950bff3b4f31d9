// Package crypto provides Meshtastic channel encryption: AES-CTR keyed by a
// channel PSK, with a nonce derived from the packet id and the sender.
//
// Every node on a channel shares the same key. The counter block is unique
// per (packet id, sender), so the cipher never needs an IV on the wire. There
// is no authentication tag; a wrong key decrypts to garbage that fails to
// parse one layer up.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// NonceSize is the length of the AES-CTR counter block.
const NonceSize = 16

// ErrDecryption is returned when the key is malformed or the cipher cannot
// be initialised. It never signals bad plaintext.
var ErrDecryption = errors.New("crypto: decryption failed")

// Nonce builds the counter block: packetID as 8 little-endian bytes followed
// by from as 8 little-endian bytes.
func Nonce(packetID uint64, from uint32) [NonceSize]byte {
	var n [NonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], packetID)
	binary.LittleEndian.PutUint64(n[8:], uint64(from))
	return n
}

// Decrypt recovers the plaintext of a channel packet. An empty key means the
// channel is unencrypted and data is returned unchanged.
func Decrypt(key Key, packetID uint64, from uint32, data []byte) ([]byte, error) {
	return xorStream(key, packetID, from, data)
}

// Encrypt is the inverse of Decrypt; CTR mode is symmetric.
func Encrypt(key Key, packetID uint64, from uint32, data []byte) ([]byte, error) {
	return xorStream(key, packetID, from, data)
}

func xorStream(key Key, packetID uint64, from uint32, data []byte) ([]byte, error) {
	if len(key) == 0 {
		return append([]byte(nil), data...), nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	nonce := Nonce(packetID, from)
	out := make([]byte, len(data))
	cipher.NewCTR(block, nonce[:]).XORKeyStream(out, data)
	return out, nil
}
