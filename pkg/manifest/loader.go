package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a batch manifest from disk.
//
// Manifests are YAML; JSON documents are accepted too since every JSON
// document is valid YAML.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("batch manifest not found: %s", path)
		}
		return nil, fmt.Errorf("read batch manifest %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse validates and decodes a batch manifest document.
//
// The raw document is schema-validated before the typed decode, so fields
// the Manifest struct does not know about are rejected instead of silently
// dropped. Defaults for optional fields are applied to the result.
func Parse(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("batch manifest is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse batch manifest: %w", err)
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode batch manifest for validation: %w", err)
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode batch manifest: %w", err)
	}
	m.ApplyDefaults()
	return &m, nil
}
