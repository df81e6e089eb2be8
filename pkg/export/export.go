// Package export hands run results to later pipeline steps.
package export

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileVariable names the job environment file the CI agent reads after a step
const EnvFileVariable = "BUILDKITE_ENV_FILE"

// DefaultPath returns the job environment file, or "" outside the CI agent.
// A nil lookup reads the process environment.
func DefaultPath(lookup func(string) (string, bool)) string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	path, _ := lookup(EnvFileVariable)
	return path
}

// WriteDotenv merges vars into the dotenv file at path. Existing entries are
// kept unless vars overrides them.
func WriteDotenv(path string, vars map[string]string) error {
	merged := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		existing, err := godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("failed to read env file %s: %w", path, err)
		}
		merged = existing
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat env file %s: %w", path, err)
	}

	for k, v := range vars {
		merged[k] = v
	}
	if err := godotenv.Write(merged, path); err != nil {
		return fmt.Errorf("failed to write env file %s: %w", path, err)
	}
	return nil
}

// Format renders vars as sorted KEY=value lines for the job log
func Format(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, vars[k])
	}
	return b.String()
}
