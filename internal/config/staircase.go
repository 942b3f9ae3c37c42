package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/invopop/jsonschema"
	"github.com/metacog-lab/backend/internal/staircase"
	"gopkg.in/yaml.v3"
)

// LoadStaircase reads a staircase config file. Fields the file leaves out
// keep their default values. The format follows the extension: .yaml/.yml,
// .toml or .json.
func LoadStaircase(path string) (staircase.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return staircase.Config{}, fmt.Errorf("read staircase config: %w", err)
	}
	return ParseStaircase(filepath.Ext(path), data)
}

// ParseStaircase decodes data in the format named by ext and validates the
// result.
func ParseStaircase(ext string, data []byte) (staircase.Config, error) {
	cfg := staircase.DefaultConfig()

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return staircase.Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return staircase.Config{}, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return staircase.Config{}, fmt.Errorf("decode toml: unknown key %q", undecoded[0].String())
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return staircase.Config{}, fmt.Errorf("decode json: %w", err)
		}
	default:
		return staircase.Config{}, fmt.Errorf("unsupported staircase config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return staircase.Config{}, err
	}
	return cfg, nil
}

// Schema returns the JSON Schema describing a staircase config file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&staircase.Config{})
	s.Title = "Staircase configuration"
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return out, nil
}
