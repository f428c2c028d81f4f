package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadSecretsEnv reads KEY=VALUE pairs from path, or from DefaultPath("secrets.env")
// when path is empty. Blank lines and lines starting with # are ignored, and a
// missing file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = DefaultPath("secrets.env")
	}
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out, nil // not fatal if missing
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out, s.Err()
}
