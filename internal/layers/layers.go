// Package layers builds a device configuration file by stacking YAML
// override files on top of each other.
//
// A stack is described by <dir>/layers-<id>.yml:
//
//	layers:
//	  - base.yml
//	  - region-anz.yml
//	  - node-0c0d.yml
//
// Layers are merged in order. Mappings merge key by key; any other value in a
// later layer replaces the earlier one.
package layers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultDir is where stack and layer files are looked up.
const DefaultDir = "configs"

var (
	ErrNoStack  = errors.New("layers: stack file not found")
	ErrNoLayers = errors.New("layers: no layers listed")
	ErrNoLayer  = errors.New("layers: layer file not found")
)

// StackPath is the stack file for id.
func StackPath(dir, id string) string {
	return filepath.Join(dir, "layers-"+id+".yml")
}

// OutputPath is where the merged result for id is written.
func OutputPath(dir, id string) string {
	return filepath.Join(dir, "layered-"+id+".yml")
}

type stack struct {
	Layers []string `yaml:"layers"`
}

// Build merges the stack for id and returns the result.
func Build(dir, id string, log zerolog.Logger) (map[string]any, error) {
	path := StackPath(dir, id)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoStack, path)
	}
	if err != nil {
		return nil, err
	}
	var s stack
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("layers: parse %s: %w", path, err)
	}
	if len(s.Layers) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoLayers, path)
	}

	out := map[string]any{}
	for _, name := range s.Layers {
		layer, err := load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", name).Msg("loading layer")
		out = Merge(out, layer, log)
	}
	return out, nil
}

func load(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoLayer, path)
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("layers: parse %s: %w", path, err)
	}
	return m, nil
}

// Merge copies src over dst and returns dst. Nested mappings are merged
// recursively; dst is allocated when nil.
func Merge(dst, src map[string]any, log zerolog.Logger) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		sub, isMap := v.(map[string]any)
		if isMap {
			prev, _ := dst[k].(map[string]any)
			log.Debug().Str("key", k).Msg("recursing")
			dst[k] = Merge(prev, sub, log)
			continue
		}
		log.Debug().Str("key", k).Interface("value", v).Msg("setting")
		dst[k] = v
	}
	return dst
}

// Render encodes a merged configuration as YAML.
func Render(cfg map[string]any) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Write renders cfg to the output file for id.
func Write(dir, id string, cfg map[string]any) (string, error) {
	out, err := Render(cfg)
	if err != nil {
		return "", err
	}
	path := OutputPath(dir, id)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("layers: write %s: %w", path, err)
	}
	return path, nil
}
