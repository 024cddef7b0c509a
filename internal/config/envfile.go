package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileVar names an explicit env file to load before ./.env.
const EnvFileVar = "XBTAGENT_ENV_FILE"

// LoadEnvFiles loads KEY=VALUE files into the process environment and
// returns the files that were read. Existing variables are never
// overridden. Missing files are skipped.
func LoadEnvFiles(extra ...string) []string {
	candidates := make([]string, 0, len(extra)+2)
	if explicit := strings.TrimSpace(os.Getenv(EnvFileVar)); explicit != "" {
		candidates = append(candidates, explicit)
	}
	candidates = append(candidates, extra...)
	candidates = append(candidates, ".env")

	var loaded []string
	seen := map[string]struct{}{}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		abs := ExpandPath(p)
		if resolved, err := filepath.Abs(abs); err == nil {
			abs = resolved
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		if err := loadEnvFile(abs); err == nil {
			loaded = append(loaded, abs)
		}
	}
	return loaded
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		i := strings.IndexRune(line, '=')
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, trimOptionalQuotes(strings.TrimSpace(line[i+1:])))
	}
	return sc.Err()
}

func trimOptionalQuotes(v string) string {
	if len(v) < 2 {
		return v
	}
	if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
