// Package template implements the allowlisted template registry (component
// D): strict parameter substitution into a pre-validated skeleton, a
// render-size budget, and optional content-hash-pinned constrained
// transforms evaluated in a sandboxed goja runtime.
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/openclaw/controlplane/infrastructure/errors"
)

// FieldType enumerates the scalar kinds a schema field may declare.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldEnum   FieldType = "enum"
	FieldList   FieldType = "list"
)

// FieldRule describes the validation contract for a single input field.
type FieldRule struct {
	Type     FieldType
	Required bool
	Min      *float64
	Max      *float64
	Enum     []string
	MaxItems int // for FieldList
}

// Schema is a field-name keyed set of rules; there is no generic struct
// binding here because substitution targets a fixed skeleton, not an
// arbitrary Go type.
type Schema map[string]FieldRule

// Transform is an optional, content-hash-pinned JS post-processing step,
// re-verified at every execution. Path is read as given; the registry does
// not restrict which directory it comes from.
type Transform struct {
	Path           string
	ContentHash    string // hex sha256, pinned at registration
	TimeoutSec     int
	MaxOutputBytes int
}

// Template is one allowlisted render target.
type Template struct {
	ID        string
	Schema    Schema
	Skeleton  map[string]interface{} // pre-validated render-engine document, with placeholders
	Labels    map[string]string
	Transform *Transform
}

// Registry holds the allowlisted templates the admission pipeline may
// render. There is no dynamic registration path outside of process startup,
// per the "register at startup only" redesign note.
type Registry struct {
	templates         map[string]*Template
	maxRenderedBytes  int
	maxTransformCalls int

	transformCallCounts map[string]int
}

// DefaultMaxRenderedBytes matches MAX_RENDERED_WORKFLOW_BYTES's spec default.
const DefaultMaxRenderedBytes = 512 * 1024

// NewRegistry creates an empty Registry. maxRenderedBytes<=0 uses the default.
func NewRegistry(maxRenderedBytes int) *Registry {
	if maxRenderedBytes <= 0 {
		maxRenderedBytes = DefaultMaxRenderedBytes
	}
	return &Registry{
		templates:           make(map[string]*Template),
		maxRenderedBytes:    maxRenderedBytes,
		transformCallCounts: make(map[string]int),
	}
}

// Register adds a template to the allowlist. Intended to be called only
// during startup wiring.
func (r *Registry) Register(t *Template) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("template: id is required")
	}
	if t.Transform != nil {
		if err := verifyTransformHash(t.Transform); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
	}
	r.templates[t.ID] = t
	return nil
}

// Lookup returns the allowlisted template or a template_denied error.
func (r *Registry) Lookup(id string) (*Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return nil, errors.TemplateDenied(id)
	}
	return t, nil
}

// Validate checks inputs against the template's schema, returning a
// validation_error on the first violation.
func (r *Registry) Validate(t *Template, inputs map[string]interface{}) error {
	for field, rule := range t.Schema {
		val, present := inputs[field]
		if !present {
			if rule.Required {
				return errors.ValidationError(field, "required field missing")
			}
			continue
		}
		if err := validateField(field, rule, val); err != nil {
			return err
		}
	}
	// Reject unknown fields so the substitution surface stays closed.
	for field := range inputs {
		if _, ok := t.Schema[field]; !ok {
			return errors.ValidationError(field, "field not declared by template schema")
		}
	}
	return nil
}

func validateField(field string, rule FieldRule, val interface{}) error {
	switch rule.Type {
	case FieldString:
		s, ok := val.(string)
		if !ok {
			return errors.ValidationError(field, "expected string")
		}
		if rule.Min != nil && float64(len(s)) < *rule.Min {
			return errors.ValidationError(field, "below minimum length")
		}
		if rule.Max != nil && float64(len(s)) > *rule.Max {
			return errors.ValidationError(field, "above maximum length")
		}
	case FieldInt, FieldFloat:
		f, ok := toFloat(val)
		if !ok {
			return errors.ValidationError(field, "expected numeric value")
		}
		if rule.Min != nil && f < *rule.Min {
			return errors.ValidationError(field, "below minimum")
		}
		if rule.Max != nil && f > *rule.Max {
			return errors.ValidationError(field, "above maximum")
		}
	case FieldBool:
		if _, ok := val.(bool); !ok {
			return errors.ValidationError(field, "expected bool")
		}
	case FieldEnum:
		s, ok := val.(string)
		if !ok || !contains(rule.Enum, s) {
			return errors.ValidationError(field, "value not in enum")
		}
	case FieldList:
		list, ok := val.([]interface{})
		if !ok {
			return errors.ValidationError(field, "expected list")
		}
		if rule.MaxItems > 0 && len(list) > rule.MaxItems {
			return errors.ValidationError(field, "list exceeds max items")
		}
	default:
		return errors.ValidationError(field, "unknown field type in schema")
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Render substitutes inputs into the template's skeleton and applies its
// optional constrained transform, then measures the result against the
// render-size budget.
func (r *Registry) Render(t *Template, inputs map[string]interface{}) ([]byte, error) {
	if err := r.Validate(t, inputs); err != nil {
		return nil, err
	}

	substituted := substitute(t.Skeleton, inputs)

	rendered, err := json.Marshal(substituted)
	if err != nil {
		return nil, errors.Internal("render template", err)
	}

	if t.Transform != nil {
		rendered, err = r.runTransform(t.Transform, rendered)
		if err != nil {
			return nil, err
		}
	}

	if len(rendered) > r.maxRenderedBytes {
		return nil, errors.PayloadTooLarge(len(rendered), r.maxRenderedBytes)
	}
	return rendered, nil
}

// substitute walks skeleton, replacing any string value of the form
// "${field}" with the corresponding input (leaving it typed), and any
// substring occurrence of "${field}" with its string form. Pure data
// substitution — no code execution.
func substitute(skeleton map[string]interface{}, inputs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(skeleton))
	for k, v := range skeleton {
		out[k] = substituteValue(v, inputs)
	}
	return out
}

func substituteValue(v interface{}, inputs map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if field, ok := placeholderField(t); ok {
			if val, present := inputs[field]; present {
				return val
			}
			return t
		}
		return substitutePlaceholdersInString(t, inputs)
	case map[string]interface{}:
		return substitute(t, inputs)
	case []interface{}:
		list := make([]interface{}, len(t))
		for i, item := range t {
			list[i] = substituteValue(item, inputs)
		}
		return list
	default:
		return v
	}
}

func placeholderField(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3 {
		return s[2 : len(s)-1], true
	}
	return "", false
}

func substitutePlaceholdersInString(s string, inputs map[string]interface{}) string {
	if !strings.Contains(s, "${") {
		return s
	}
	out := s
	for field, val := range inputs {
		token := "${" + field + "}"
		if strings.Contains(out, token) {
			out = strings.ReplaceAll(out, token, fmt.Sprintf("%v", val))
		}
	}
	return out
}

func verifyTransformHash(t *Transform) error {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return fmt.Errorf("read transform: %w", err)
	}
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if !strings.EqualFold(actual, t.ContentHash) {
		return fmt.Errorf("transform content hash mismatch: registered %s, found %s", t.ContentHash, actual)
	}
	return nil
}

// runTransform executes t against rendered JSON in a fresh goja.Runtime,
// re-verifying the content hash from disk and bounding execution by a
// deadline and output size. The transform function must be named
// `transform` and take/return a JSON-serializable value.
func (r *Registry) runTransform(t *Transform, rendered []byte) ([]byte, error) {
	if err := verifyTransformHash(t); err != nil {
		return nil, errors.Wrap(errors.ErrCodeTemplateDenied, "transform failed re-verification", 403, err)
	}

	source, err := os.ReadFile(t.Path)
	if err != nil {
		return nil, errors.Internal("read transform", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	timeout := time.Duration(t.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("transform timeout")
	})
	defer timer.Stop()
	defer close(done)

	if _, err := vm.RunString(string(source)); err != nil {
		return nil, errors.Internal("evaluate transform script", err)
	}

	transformFn, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, errors.Internal("transform script does not export a transform function", nil)
	}

	var input interface{}
	if err := json.Unmarshal(rendered, &input); err != nil {
		return nil, errors.Internal("decode rendered workflow for transform", err)
	}

	result, err := transformFn(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return nil, errors.Internal("transform execution failed", err)
	}

	out, err := json.Marshal(result.Export())
	if err != nil {
		return nil, errors.Internal("encode transform output", err)
	}

	maxOut := t.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = r.maxRenderedBytes
	}
	if len(out) > maxOut {
		return nil, errors.PayloadTooLarge(len(out), maxOut)
	}
	return out, nil
}
