package netpolicy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Document is the durable policy artifact: one record per extension. It
// round-trips losslessly through Save/Load.
type Document struct {
	Version  int             `yaml:"version" json:"version"`
	Policies []NetworkPolicy `yaml:"policies" json:"policies"`
}

// DocumentVersion is the current policy document format version.
const DocumentVersion = 1

// documentSchema structurally validates a policy document before the
// field-level validators run, so a hand-edited file fails with a precise
// shape error rather than a confusing decode error downstream.
const documentSchema = `{
  "type": "object",
  "required": ["version", "policies"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["extension_id", "mode"],
        "properties": {
          "extension_id": {"type": "string", "minLength": 1},
          "mode": {"enum": ["allowlist", "blocklist"]},
          "allow": {"type": "array", "items": {"type": "string"}},
          "block": {"type": "array", "items": {"type": "string"}},
          "ports": {
            "type": "object",
            "properties": {
              "allow": {"type": "array", "items": {"type": "integer", "minimum": 1, "maximum": 65535}},
              "block": {"type": "array", "items": {"type": "integer", "minimum": 1, "maximum": 65535}}
            },
            "additionalProperties": false
          },
          "protocols": {
            "type": "object",
            "properties": {
              "allow": {"type": "array", "items": {"type": "string"}},
              "block": {"type": "array", "items": {"type": "string"}}
            },
            "additionalProperties": false
          },
          "extends": {"type": "string"},
          "preset": {"type": "string"},
          "enabled": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var (
	compiledSchema *gojsonschema.Schema
	schemaOnce     sync.Once
	schemaErr      error
)

func getSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		loader := gojsonschema.NewStringLoader(documentSchema)
		compiledSchema, schemaErr = gojsonschema.NewSchema(loader)
	})
	return compiledSchema, schemaErr
}

// ParseDocument decodes and validates a policy document from YAML.
func ParseDocument(data []byte) (*Document, error) {
	// Structural validation against the generic decode first.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	schema, err := getSchema()
	if err != nil {
		return nil, fmt.Errorf("compile policy document schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(generic))
	if err != nil {
		return nil, fmt.Errorf("validate policy document: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid policy document: %s", strings.Join(msgs, "; "))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	return &doc, nil
}

// LoadFile reads a policy document and atomically replaces the store's
// policy set. On any error the store is left unchanged.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy document: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return err
	}
	policies := make([]*NetworkPolicy, 0, len(doc.Policies))
	for i := range doc.Policies {
		policies = append(policies, &doc.Policies[i])
	}
	return s.Replace(policies)
}

// SaveFile writes the current policy set as a YAML document, one record per
// extension, sorted by extension id. The write is atomic (temp file +
// rename) so a crash never leaves a truncated document.
func (s *Store) SaveFile(path string) error {
	doc := Document{Version: DocumentVersion}
	for _, p := range s.List() {
		doc.Policies = append(doc.Policies, *p)
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal policy document: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir policy dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".policies-*.yml")
	if err != nil {
		return fmt.Errorf("create temp policy document: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write policy document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close policy document: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename policy document: %w", err)
	}
	return nil
}
