package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// documentSchema validates the persisted document shape before decoding.
// Rejecting malformed documents here is what turns a corrupt file into the
// documented reset-to-empty behavior instead of partially decoded state.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["configs", "alerts", "version"],
  "properties": {
    "version": {"type": "string"},
    "updatedAt": {"type": "string"},
    "configs": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["type", "scope", "maxCost"],
        "properties": {
          "type": {"enum": ["task", "agent", "swarm", "project"]},
          "scope": {"type": "string", "minLength": 1},
          "maxTokens": {"type": "integer", "minimum": 0},
          "maxCost": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    },
    "alerts": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["id", "projectId", "threshold"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "projectId": {"type": "string", "minLength": 1},
            "threshold": {"type": "number", "exclusiveMinimum": 0}
          }
        }
      }
    }
  }
}`

// FileStore persists the budget document as JSON in a single file, typically
// ${HOME}/.config/fleet/budgets.json. The parent directory is created on
// first save. Loads validate against an embedded JSON schema so corrupt or
// foreign documents surface as errors (and reset to empty upstream).
type FileStore struct {
	path   string
	schema *jsonschema.Schema
}

// NewFileStore constructs a FileStore writing to path.
func NewFileStore(path string) (*FileStore, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		return nil, fmt.Errorf("budget: parse document schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("budgets.schema.json", doc); err != nil {
		return nil, fmt.Errorf("budget: add document schema: %w", err)
	}
	schema, err := compiler.Compile("budgets.schema.json")
	if err != nil {
		return nil, fmt.Errorf("budget: compile document schema: %w", err)
	}
	return &FileStore{path: path, schema: schema}, nil
}

// DefaultPath returns the conventional document location under the user
// config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("budget: resolve config dir: %w", err)
	}
	return filepath.Join(dir, "fleet", "budgets.json"), nil
}

// Load reads and validates the document. A missing file yields an empty
// document; a malformed one yields an error so the caller can reset.
func (s *FileStore) Load(_ context.Context) (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return EmptyDocument(), nil
		}
		return Document{}, fmt.Errorf("budget: read %s: %w", s.path, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Document{}, fmt.Errorf("budget: parse %s: %w", s.path, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return Document{}, fmt.Errorf("budget: validate %s: %w", s.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("budget: decode %s: %w", s.path, err)
	}
	if doc.Configs == nil {
		doc.Configs = make(map[string]Config)
	}
	if doc.Alerts == nil {
		doc.Alerts = make(map[string][]Alert)
	}
	return doc, nil
}

// Save writes the document, creating the parent directory when missing. The
// write goes through a temp file and rename so readers never observe a
// partial document.
func (s *FileStore) Save(_ context.Context, doc Document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("budget: create config dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("budget: encode document: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("budget: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("budget: rename %s: %w", tmp, err)
	}
	return nil
}
