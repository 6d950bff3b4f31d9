package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yaleman/yaleman-meshtastic-tools/internal/crypto"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/directory"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/listener"
)

// runDecode decodes one base64 envelope and writes its record to out.
// A dropped message has already been logged and is not an error, except an
// unknown channel while the keyring is strict.
func runDecode(out io.Writer, log zerolog.Logger, kr *crypto.Keyring, input string) error {
	raw, err := decodeBase64(strings.TrimSpace(input))
	if err != nil {
		return fmt.Errorf("input is not base64: %w", err)
	}
	err = listener.NewPipeline(kr, nil).Process(out, log, "", raw)
	var se *listener.StageError
	if errors.As(err, &se) && !errors.Is(err, crypto.ErrKeyNotFound) {
		return nil
	}
	return err
}

// loadKeyring builds the keyring from the default key plus every channel in
// the key directory under dataDir. The directory is opened read-only and a
// missing one leaves just the default key.
func loadKeyring(dataDir string, strict bool) (*crypto.Keyring, error) {
	kr := crypto.NewKeyring()
	kr.Strict = strict

	dir, err := directory.Open(dataDir)
	if errors.Is(err, fs.ErrNotExist) {
		return kr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open key directory: %w", err)
	}
	defer dir.Close()

	if err := dir.Load(kr); err != nil {
		return nil, err
	}
	return kr, nil
}
