package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestNonceLayout(t *testing.T) {
	n := Nonce(0x0102030405060708, 0xaabbccdd)
	want := [NonceSize]byte{
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0xdd, 0xcc, 0xbb, 0xaa, 0x00, 0x00, 0x00, 0x00,
	}
	if n != want {
		t.Fatalf("nonce = %x, want %x", n, want)
	}
}

func TestNonceDeterministic(t *testing.T) {
	if Nonce(7, 42) != Nonce(7, 42) {
		t.Fatal("same inputs produced different nonces")
	}
	if Nonce(7, 42) == Nonce(8, 42) {
		t.Fatal("different packet ids produced the same nonce")
	}
}

func TestEncryptDecryptInverse(t *testing.T) {
	plaintext := []byte("hello mesh")
	ct, err := Encrypt(DefaultKey(), 7, 42, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ct, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}
	got, err := Decrypt(DefaultKey(), 7, 42, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q want %q", got, plaintext)
	}
}

func TestDecryptWrongNonceDiffers(t *testing.T) {
	ct, _ := Encrypt(DefaultKey(), 7, 42, []byte("hello mesh"))
	got, err := Decrypt(DefaultKey(), 7, 43, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) == "hello mesh" {
		t.Fatal("decrypt with a different sender recovered the plaintext")
	}
}

func TestDecryptAES256(t *testing.T) {
	key := Key(bytes.Repeat([]byte{0x5a}, 32))
	ct, err := Encrypt(key, 1, 2, []byte("wide key"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decrypt(key, 1, 2, ct)
	if err != nil || string(got) != "wide key" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestDecryptMalformedKey(t *testing.T) {
	_, err := Decrypt(Key{1, 2, 3}, 1, 1, []byte("x"))
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestDecryptEmptyKeyIsIdentity(t *testing.T) {
	got, err := Decrypt(Key{}, 1, 1, []byte("plain"))
	if err != nil || string(got) != "plain" {
		t.Fatalf("got %q, %v", got, err)
	}
}
