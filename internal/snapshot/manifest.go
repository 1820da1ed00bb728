package snapshot

import (
	_ "embed"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed manifest.schema.json
var manifestSchemaText string

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

// Manifest is the human-readable sidecar next to the binary index. Ops
// tooling greps it; the index stays the source of truth for loading.
type Manifest struct {
	Format    int               `json:"format"`
	PassID    string            `json:"pass_id"`
	Seq       uint64            `json:"seq"`
	World     string            `json:"world"`
	CreatedAt time.Time         `json:"created_at"`
	Entities  map[string]uint64 `json:"entities"`
	Bytes     map[string]uint64 `json:"bytes"`
	Files     []string          `json:"files"`
}

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		manifestSchema, manifestSchemaErr = jsonschema.CompileString("manifest.schema.json", manifestSchemaText)
	})
	return manifestSchema, manifestSchemaErr
}

// ValidateManifest checks a raw manifest.json image against the schema.
func ValidateManifest(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	sch, err := compiledManifestSchema()
	if err != nil {
		return err
	}
	return sch.Validate(v)
}

func WriteManifestFile(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileSync(path, append(data, '\n'))
}

func ReadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
