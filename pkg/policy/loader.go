package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a policy document from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for JSON.
// If the extension is unrecognized, YAML is attempted first, then JSON.
//
// The raw document is validated against the embedded JSON schema before
// it is decoded, then defaults fill the fields it leaves out.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("policy file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading policy: %s", path)
		}
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a policy from raw bytes.
//
// The path parameter is used for format detection only.
func LoadFromBytes(data []byte, path string) (*Policy, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("policy file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	// Decode from the JSON form so YAML and JSON documents share one path.
	var p Policy
	if err := json.Unmarshal(jsonData, &p); err != nil {
		return nil, fmt.Errorf("invalid policy document: %w", err)
	}

	p.ApplyDefaults()
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFromReader reads and validates a policy from an io.Reader.
func LoadFromReader(r io.Reader, path string) (*Policy, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return LoadFromBytes(data, path)
}

// toJSON converts the input data to JSON format for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in policy: %w", err)
		}
		return data, nil

	case ".yaml", ".yml":
		return yamlToJSON(data)

	default:
		// Try YAML first (superset of JSON)
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse policy (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in policy: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert policy to JSON: %w", err)
	}
	return jsonData, nil
}
