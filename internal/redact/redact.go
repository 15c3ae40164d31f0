// Package redact applies the configured PII handling mode to trace payloads
// at write time and to evidence exports at read time.
//
// Modes:
//   - off:      payloads pass through untouched
//   - redact:   values under sensitive keys are replaced by [REDACTED]
//   - tokenize: values under sensitive keys are replaced by a deterministic
//     salted SHA-256 token, so equal inputs stay correlatable
//
// Redaction is best-effort over string representations; it is not a
// substitute for keeping secrets out of payloads at the call site.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Mode selects the PII handling strategy.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeRedact   Mode = "redact"
	ModeTokenize Mode = "tokenize"
)

const placeholder = "[REDACTED]"

// ParseMode maps a config string to a Mode, defaulting to off.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeRedact):
		return ModeRedact
	case string(ModeTokenize):
		return ModeTokenize
	default:
		return ModeOff
	}
}

// Redactor applies one mode with a process-global token salt.
type Redactor struct {
	mode Mode
	salt string
}

// New returns a redactor for the given mode. The salt is only used in
// tokenize mode.
func New(mode Mode, salt string) *Redactor {
	return &Redactor{mode: mode, salt: salt}
}

// Mode returns the mode in force, recorded in exported metadata.
func (r *Redactor) Mode() Mode { return r.mode }

// Map returns a deep copy of m with sensitive values handled per the mode.
func (r *Redactor) Map(m map[string]interface{}) map[string]interface{} {
	if m == nil || r.mode == ModeOff {
		return m
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = r.value(k, v)
	}
	return out
}

func (r *Redactor) value(key string, v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		return r.Map(vv)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, item := range vv {
			out[i] = r.value(key, item)
		}
		return out
	case string:
		if isSensitiveKey(key) && vv != "" {
			if r.mode == ModeTokenize {
				return r.Token(vv)
			}
			return placeholder
		}
		return vv
	default:
		return v
	}
}

// String scrubs every occurrence of the given sensitive values from s.
// Values shorter than 4 characters are skipped to avoid spurious hits.
func (r *Redactor) String(s string, sensitive ...string) string {
	if r.mode == ModeOff {
		return s
	}
	for _, v := range sensitive {
		if len(v) < 4 {
			continue
		}
		repl := placeholder
		if r.mode == ModeTokenize {
			repl = r.Token(v)
		}
		s = strings.ReplaceAll(s, v, repl)
	}
	return s
}

// Token returns the deterministic salted token for an identifier.
func (r *Redactor) Token(v string) string {
	sum := sha256.Sum256([]byte(r.salt + v))
	return "tok_" + hex.EncodeToString(sum[:8])
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "credential", "auth", "apikey", "api_key", "email", "ssn", "user", "name", "address", "phone"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
