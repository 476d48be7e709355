package definition

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// maxDocumentSize bounds definitions read from files and remote locations.
const maxDocumentSize = 4 << 20

//go:embed schema.json
var schemaJSON string

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
})

// Load parses a YAML or JSON document, validates it against the definition
// schema and decodes it.
func Load(data []byte) (*Definition, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, &SchemaError{Problems: []string{err.Error()}}
	}
	if err := validate(doc); err != nil {
		return nil, err
	}

	var def Definition
	if isJSON(data) {
		err = json.Unmarshal(data, &def)
	} else {
		err = yaml.Unmarshal(data, &def)
	}
	if err != nil {
		return nil, &SchemaError{Problems: []string{err.Error()}}
	}
	return &def, nil
}

// LoadFile reads and parses a definition from the local filesystem.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open definition: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	def, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return def, nil
}

// Fetch downloads and parses a definition from an http(s) URL.
func Fetch(ctx context.Context, url string) (*Definition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch definition: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch definition: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch definition %s: unexpected status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", url, err)
	}
	def, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", url, err)
	}
	return def, nil
}

// Open loads a definition from ref, which is either an http(s) URL or a
// filesystem path.
func Open(ctx context.Context, ref string) (*Definition, error) {
	if IsRemote(ref) {
		return Fetch(ctx, ref)
	}
	return LoadFile(ref)
}

// IsRemote reports whether ref names an http(s) location.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func isJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// decodeDocument returns the document as JSON bytes for schema validation.
func decodeDocument(data []byte) ([]byte, error) {
	if isJSON(data) {
		if !json.Valid(data) {
			var v any
			return nil, json.Unmarshal(data, &v)
		}
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("empty document")
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document is not JSON compatible: %w", err)
	}
	return out, nil
}

func validate(doc []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile definition schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &SchemaError{Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return &SchemaError{Problems: problems}
}

// ParseParams converts KEY=VALUE pairs from the command line into run
// parameters. Values are kept as strings.
func ParseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q: expected KEY=VALUE", pair)
		}
		params[key] = value
	}
	return params, nil
}

// Marshal encodes the definition as JSON for transport and storage.
func (d *Definition) Marshal() ([]byte, error) {
	return json.Marshal(d)
}
