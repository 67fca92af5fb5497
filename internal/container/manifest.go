package container

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pfeics/internal/metadata"
)

// FormatVersion is the archive format version written into manifests.
const FormatVersion = "2.0"

// Manifest is the plaintext index of an exported archive. Its JSON
// rendering is the exact byte sequence the examiner signature covers, so
// field order here is part of the format.
type Manifest struct {
	Version         string                `json:"version"`
	CaseMetadata    metadata.CaseMetadata `json:"case_metadata"`
	Created         time.Time             `json:"created"`
	EvidenceHash    string                `json:"evidence_hash"`
	WatermarkedHash string                `json:"watermarked_hash"`
	ChainLength     int                   `json:"chain_length"`
}

// manifestSchema validates incoming manifests before anything trusts
// their contents. Hashes must be full SHA-512 hex digests.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "case_metadata", "created", "evidence_hash", "watermarked_hash", "chain_length"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "created": {"type": "string"},
    "evidence_hash": {"type": "string", "pattern": "^[0-9a-f]{128}$"},
    "watermarked_hash": {"type": "string", "pattern": "^[0-9a-f]{128}$"},
    "chain_length": {"type": "integer", "minimum": 0},
    "case_metadata": {
      "type": "object",
      "required": ["case_id", "subject_id", "examiner", "acquisition_time", "device_serial"],
      "properties": {
        "case_id": {"type": "string", "minLength": 1},
        "subject_id": {"type": "string", "minLength": 1},
        "device_serial": {"type": "string"},
        "acquisition_time": {"type": "string"},
        "examiner": {
          "type": "object",
          "required": ["name", "badge_id"],
          "properties": {
            "name": {"type": "string", "minLength": 1},
            "badge_id": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func manifestValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.schema.json", strings.NewReader(manifestSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("manifest.schema.json")
	})
	return compiledSchema, schemaErr
}

// parseManifest validates raw manifest bytes against the schema and
// decodes them. Schema violations are format errors: the archive is
// structurally unusable, not merely tampered.
func parseManifest(raw []byte) (*Manifest, error) {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, &FormatError{Entry: entryManifest, Reason: fmt.Sprintf("not JSON: %v", err)}
	}

	schema, err := manifestValidator()
	if err != nil {
		return nil, fmt.Errorf("container: compiling manifest schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, &FormatError{Entry: entryManifest, Reason: err.Error()}
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &FormatError{Entry: entryManifest, Reason: err.Error()}
	}
	return &m, nil
}
