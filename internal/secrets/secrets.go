// Package secrets resolves the credentials forwarded into containers.
// Values only ever travel as container environment variables.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
)

// Resolve looks up each named credential, preferring the process environment
// over the env file. Names found in neither are returned as missing.
func Resolve(envFile string, names []string) (map[string]string, []string, error) {
	fileVals := map[string]string{}
	if envFile != "" {
		data, err := os.ReadFile(envFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, nil, fmt.Errorf("reading secrets file: %w", err)
		default:
			fileVals, err = godotenv.Unmarshal(string(data))
			if err != nil {
				return nil, nil, fmt.Errorf("parsing secrets file %s: %w", envFile, err)
			}
		}
	}

	creds := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			creds[name] = v
			continue
		}
		if v, ok := fileVals[name]; ok && v != "" {
			creds[name] = v
			continue
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return creds, missing, nil
}
