package config

import (
	"fmt"
	"os"
	"strings"
)

// placeholder is one `{prefix...}` form the resolver understands.
type placeholder struct {
	prefix  string
	resolve func(body string) (val string, warn string, err error)
}

var placeholders = []placeholder{
	// {$NAME} or {$NAME:default}
	{prefix: "{$", resolve: func(body string) (string, string, error) {
		name, def, hasDef := strings.Cut(body, ":")
		if name == "" {
			return "", "", fmt.Errorf("empty env var in {$...} placeholder")
		}
		if val, ok := os.LookupEnv(name); ok {
			return val, "", nil
		}
		if hasDef {
			return def, "", nil
		}
		return "", fmt.Sprintf("env var %q not set; replaced with empty string", name), nil
	}},
	{prefix: "{env.", resolve: func(name string) (string, string, error) {
		if name == "" {
			return "", "", fmt.Errorf("empty env var in {env.*} placeholder")
		}
		if val, ok := os.LookupEnv(name); ok {
			return val, "", nil
		}
		return "", fmt.Sprintf("env var %q not set; replaced with empty string", name), nil
	}},
	{prefix: "{file.", resolve: func(path string) (string, string, error) {
		if path == "" {
			return "", "", fmt.Errorf("empty path in {file.*} placeholder")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", "", fmt.Errorf("file placeholder %q: %v", path, err)
		}
		return strings.TrimRight(string(b), "\r\n"), "", nil
	}},
}

func hasPlaceholderPrefix(s string) bool {
	for _, ph := range placeholders {
		if strings.HasPrefix(s, ph.prefix) {
			return true
		}
	}
	return false
}

func resolvePlaceholders(in string) (string, []string, []string) {
	var errs []string
	var warns []string

	var out strings.Builder
	out.Grow(len(in))

next:
	for i := 0; i < len(in); {
		for _, ph := range placeholders {
			if !strings.HasPrefix(in[i:], ph.prefix) {
				continue
			}
			start := i + len(ph.prefix)
			end := strings.IndexByte(in[start:], '}')
			if end == -1 {
				errs = append(errs, fmt.Sprintf("unterminated %s...} placeholder", ph.prefix))
				out.WriteString(in[i:])
				break next
			}
			val, warn, err := ph.resolve(in[start : start+end])
			if err != nil {
				errs = append(errs, err.Error())
			}
			if warn != "" {
				warns = append(warns, warn)
			}
			out.WriteString(val)
			i = start + end + 1
			continue next
		}
		out.WriteByte(in[i])
		i++
	}

	return out.String(), errs, warns
}

func resolveValue(in, field string, res *ValidationResult) string {
	val, errs, warns := resolvePlaceholders(in)
	for _, err := range errs {
		res.errorf("%s: %s", field, err)
	}
	for _, warn := range warns {
		res.warnf("%s: %s", field, warn)
	}
	return val
}
