package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type dotenvEntry struct {
	key   string
	value string
}

// parseDotenv reads KEY=VALUE lines. Blank lines, # comments and a leading
// `export ` are ignored; double-quoted values are unescaped, single-quoted
// values are taken literally.
func parseDotenv(r io.Reader) ([]dotenvEntry, error) {
	var out []dotenvEntry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf(".env line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf(".env line %d: empty key", lineNo)
		}
		val, err := unquoteDotenvValue(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf(".env line %d: %w", lineNo, err)
		}
		out = append(out, dotenvEntry{key: key, value: val})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func unquoteDotenvValue(val string) (string, error) {
	if len(val) < 2 {
		return val, nil
	}
	switch {
	case val[0] == '"' && val[len(val)-1] == '"':
		return strconv.Unquote(val)
	case val[0] == '\'' && val[len(val)-1] == '\'':
		return val[1 : len(val)-1], nil
	default:
		return val, nil
	}
}

// loadDotenv sets the variables from path that are unset or empty in the
// environment and reports how many it applied.
func loadDotenv(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	entries, err := parseDotenv(f)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, e := range entries {
		if cur, ok := os.LookupEnv(e.key); ok && cur != "" {
			continue
		}
		if err := os.Setenv(e.key, e.value); err != nil {
			return applied, fmt.Errorf(".env %s: %w", e.key, err)
		}
		applied++
	}
	return applied, nil
}
