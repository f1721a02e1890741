// Package envfile resolves deployment environment configuration from a
// prioritized list of candidate files. This is part of the Functional Core -
// parsing and validation are pure; only Resolve touches the filesystem.
package envfile

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

// NotFoundError is returned when none of the candidate files exist.
// It lists every path that was searched.
type NotFoundError struct {
	Searched []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no environment file found, searched: %s", strings.Join(e.Searched, ", "))
}

// IncompleteError is returned when required keys are missing or empty.
// All missing keys are reported at once, not just the first.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("environment incomplete, missing keys: %s", strings.Join(e.Missing, ", "))
}

// =============================================================================
// Env
// =============================================================================

// Env holds the resolved deployment configuration. It is built once per run
// and passed explicitly to the components that need it; nothing mutates the
// ambient process environment.
type Env struct {
	values map[string]string
	source string
}

// New builds an Env from an in-memory map, for callers that assemble
// configuration without a file.
func New(values map[string]string) *Env {
	if values == nil {
		values = map[string]string{}
	}
	return &Env{values: values, source: "inline"}
}

// Source returns the path of the file the environment was resolved from.
func (e *Env) Source() string { return e.source }

// Get returns the value for key, or "" when the key is absent.
func (e *Env) Get(key string) string { return e.values[key] }

// Lookup returns the value for key and whether it was present.
func (e *Env) Lookup(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Set stores a value. Used to apply declared defaults for optional keys.
func (e *Env) Set(key, value string) { e.values[key] = value }

// Keys returns all keys in sorted order.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.values))
	for k := range e.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Environ renders the environment as KEY=VALUE pairs suitable for appending
// to an external command's environment.
func (e *Env) Environ() []string {
	pairs := make([]string, 0, len(e.values))
	for _, k := range e.Keys() {
		pairs = append(pairs, k+"="+e.values[k])
	}
	return pairs
}

// Expand substitutes ${VAR} and $VAR references in s with resolved values.
// Unknown variables expand to the empty string.
func (e *Env) Expand(s string) string {
	return os.Expand(s, e.Get)
}

// Validate checks that each required key resolves to a non-empty value.
// Every missing key is collected before failing.
func (e *Env) Validate(required ...string) error {
	var missing []string
	for _, key := range required {
		if e.values[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &IncompleteError{Missing: missing}
	}
	return nil
}

// ApplyDefaults sets each key from defaults that is absent from the
// resolved environment. Keys present in the file always win.
func (e *Env) ApplyDefaults(defaults map[string]string) {
	for k, v := range defaults {
		if _, ok := e.values[k]; !ok {
			e.values[k] = v
		}
	}
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve scans candidates in order and parses the first file that exists.
// Later candidates are not merged in. When no candidate exists it returns
// *NotFoundError listing every searched path.
func Resolve(candidates []string) (*Env, error) {
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()

		values, err := parse(f)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &Env{values: values, source: path}, nil
	}
	return nil, &NotFoundError{Searched: append([]string(nil), candidates...)}
}

// parse reads KEY=VALUE lines. Blank lines and #-comments are skipped.
// Values are taken verbatim up to end of line, trimmed of trailing
// whitespace; there is no quoting or shell expansion.
func parse(f *os.File) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := line[:eq]
		if !validKey(key) {
			continue
		}
		values[key] = strings.TrimRight(line[eq+1:], " \t")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// validKey accepts keys that start with a letter or underscore followed by
// letters, digits, or underscores.
func validKey(key string) bool {
	for i, r := range key {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return len(key) > 0
}
