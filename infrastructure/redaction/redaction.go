// Package redaction scrubs credential-shaped substrings out of trace
// payloads before they reach the ring buffer or the SSE bus, per the
// admission pipeline's "no secret ever reaches a trace event" invariant.
package redaction

import (
	"regexp"
	"strings"
)

// secretPatterns are the substrings redaction treats as credential-shaped,
// independent of which field they appear under. Order matters: PEM blocks
// and bearer JWTs are matched whole before the generic key=value pattern
// would otherwise chew through them piecemeal.
var secretPatterns = []*regexp.Regexp{
	// PEM-encoded key/cert material, however it's embedded in a string.
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
	regexp.MustCompile(`(?i)Bearer\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)password["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(access[_-]?key|aws[_-]?secret)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	// Bare high-entropy tokens: device secrets, API keys, callback HMAC
	// refs pasted into a payload without a recognizable key= prefix.
	regexp.MustCompile(`\b[A-Za-z0-9_\-]{24,}\b`),
}

// lengthClasses buckets a redacted value's original length into a small,
// fixed set of mask widths, so the mask itself doesn't leak the secret's
// exact length back into the trace.
var lengthClasses = []struct {
	max  int
	mask string
}{
	{32, "****"},
	{128, "********"},
	{1 << 62, "************"},
}

func maskForLength(n int) string {
	for _, c := range lengthClasses {
		if n <= c.max {
			return c.mask
		}
	}
	return lengthClasses[len(lengthClasses)-1].mask
}

// SecretConfig controls a Redactor's behavior.
type SecretConfig struct {
	Enabled         bool
	AllowedFields   []string
	BlockedPatterns []string
}

// DefaultConfig matches the field names and payload substrings the
// admission pipeline and callback watcher are known to carry.
func DefaultConfig() SecretConfig {
	return SecretConfig{
		Enabled: true,
		BlockedPatterns: []string{
			"password",
			"secret",
			"token",
			"apikey",
			"private_key",
			"credential",
			"device_token",
			"hmac",
		},
	}
}

// Redactor scrubs secret-shaped substrings from trace payloads.
type Redactor struct {
	config SecretConfig
}

func NewRedactor(cfg SecretConfig) *Redactor {
	return &Redactor{config: cfg}
}

// RedactString replaces every credential-shaped substring of s with a
// length-class mask, preserving the surrounding text.
func (r *Redactor) RedactString(s string) string {
	if !r.config.Enabled {
		return s
	}

	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			return maskForLength(len(match))
		})
	}

	return result
}

func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	if !r.config.Enabled {
		return m
	}

	result := make(map[string]interface{})
	for k, v := range m {
		switch {
		case r.isSecretField(k):
			result[k] = r.maskValue(v)
		case v == nil:
			result[k] = v
		default:
			switch val := v.(type) {
			case string:
				result[k] = r.RedactString(val)
			case map[string]interface{}:
				result[k] = r.RedactMap(val)
			case []interface{}:
				result[k] = r.RedactSlice(val)
			default:
				result[k] = v
			}
		}
	}

	return result
}

// maskValue masks a field known to be a secret by name, regardless of
// whether its string form matches one of secretPatterns.
func (r *Redactor) maskValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return "[redacted]"
	}
	return maskForLength(len(s))
}

func (r *Redactor) RedactSlice(s []interface{}) []interface{} {
	if !r.config.Enabled {
		return s
	}

	result := make([]interface{}, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case string:
			result[i] = r.RedactString(val)
		case map[string]interface{}:
			result[i] = r.RedactMap(val)
		default:
			result[i] = val
		}
	}

	return result
}

func (r *Redactor) isSecretField(fieldName string) bool {
	lowerName := strings.ToLower(fieldName)
	for _, blocked := range r.config.BlockedPatterns {
		if strings.Contains(lowerName, strings.ToLower(blocked)) {
			return true
		}
	}
	return false
}

func RedactAll(s string) string {
	r := NewRedactor(DefaultConfig())
	return r.RedactString(s)
}

func RedactMap(m map[string]interface{}) map[string]interface{} {
	r := NewRedactor(DefaultConfig())
	return r.RedactMap(m)
}
