package manifest

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Loader handles loading and parsing of the service manifest
type Loader struct {
	filePath string
}

// NewLoader creates a new manifest loader
func NewLoader(filePath string) *Loader {
	return &Loader{
		filePath: filePath,
	}
}

// Load reads and parses the manifest file
func (l *Loader) Load() (*Manifest, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	// Expand ${VAR} references so paths can follow the deployment
	// Example: dir: ${BURROW_STATE_DIR}/blog
	data = expandEnvVariables(data)

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest yaml: %w", err)
	}

	return &m, nil
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnvVariables substitutes ${VAR} references with environment
// values. An unset variable expands to the empty string. The bare
// $VAR form is left alone.
func expandEnvVariables(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		return []byte(os.Getenv(name))
	})
}
