package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the variable's value. Unset variables
// expand to the empty string. A bare $VAR is left alone.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})
}

// expandEnvJSON rewrites every string value of a JSON document. Keys and
// numbers are untouched.
func expandEnvJSON(jb []byte) ([]byte, error) {
	if !bytes.Contains(jb, []byte("${")) {
		return jb, nil
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid config: trailing data")
	}
	out, err := json.Marshal(expandValue(v))
	if err != nil {
		return nil, fmt.Errorf("env expand marshal: %w", err)
	}
	return out, nil
}

func expandValue(in any) any {
	switch x := in.(type) {
	case string:
		return expandEnv(x)
	case map[string]any:
		for k, v := range x {
			x[k] = expandValue(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = expandValue(x[i])
		}
		return x
	default:
		return in
	}
}
