package gateway

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema names, one per write body.
const (
	schemaProject       = "project"
	schemaFeature       = "feature"
	schemaFeaturePatch  = "feature_patch"
	schemaTestLog       = "test_log"
	schemaFileChange    = "file_change"
	schemaConsideration = "consideration"
	schemaLead          = "lead"
	schemaLeadPatch     = "lead_patch"
)

// requestError is a client error with the HTTP status to report it under.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	v := &validator{schemas: make(map[string]*jsonschema.Schema, len(entries))}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", e.Name(), err)
		}
		schema, err := c.Compile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		v.schemas[strings.TrimSuffix(e.Name(), ".json")] = schema
	}
	return v, nil
}

// decode reads the request body, validates it against the named schema and
// unmarshals it into dst.
func (v *validator) decode(r *http.Request, name string, dst any) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &requestError{status: http.StatusRequestEntityTooLarge, msg: "request body too large"}
		}
		return badRequest("read body: %v", err)
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return badRequest("invalid JSON: %v", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return badRequest("invalid %s: %s", strings.ReplaceAll(name, "_", " "), flattenValidation(err))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badRequest("invalid JSON: %v", err)
	}
	return nil
}

// flattenValidation collapses a multi-line validation error into one line.
func flattenValidation(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		lines := strings.Split(strings.TrimSpace(ve.Error()), "\n")
		for i := range lines {
			lines[i] = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), "-"))
		}
		return strings.Join(lines, "; ")
	}
	return err.Error()
}
