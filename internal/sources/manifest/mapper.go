package manifest

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/burrowd/burrow/internal/domain"
	"github.com/burrowd/burrow/internal/onion"
)

// Definition is a validated, creation-ready service declaration
type Definition struct {
	Name          string
	Kind          string
	Ports         []string
	Detach        bool
	KeyFile       string
	Dir           string
	Version       int
	GroupReadable bool
}

// LoadKey reads the key blob from KeyFile. The file holds what
// ADD_ONION returned for the service, ex: "ED25519-V3:<base64>".
// Returns an empty string when no key file is declared.
func (d *Definition) LoadKey() (string, error) {
	if d.KeyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(d.KeyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read key file for %s: %w", d.Name, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("key file for %s is empty", d.Name)
	}
	return key, nil
}

// Mapper converts a parsed manifest into creation-ready definitions
type Mapper struct{}

// NewMapper creates a new mapper instance
func NewMapper() *Mapper {
	return &Mapper{}
}

// MapDefinitions validates every declared service and returns the
// definitions sorted by name. The manifest is operator-authored, so
// any invalid entry fails the whole map with the service named.
func (m *Mapper) MapDefinitions(mf *Manifest) ([]*Definition, error) {
	if mf == nil || len(mf.Services) == 0 {
		return nil, fmt.Errorf("no services declared in manifest")
	}

	definitions := make([]*Definition, 0, len(mf.Services))
	for name, spec := range mf.Services {
		definition, err := mapService(name, spec)
		if err != nil {
			return nil, err
		}
		definitions = append(definitions, definition)
	}

	// Map iteration order is random; publish runs want a stable one
	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].Name < definitions[j].Name
	})

	return definitions, nil
}

func mapService(name string, spec ServiceSpec) (*Definition, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("manifest contains a service with an empty name")
	}

	kind := spec.Kind
	if kind == "" {
		kind = domain.KindEphemeral
	}

	switch kind {
	case domain.KindEphemeral:
		if spec.Dir != "" {
			return nil, fmt.Errorf("service %q: dir is only valid for filesystem services", name)
		}
	case domain.KindFilesystem:
		if spec.Dir == "" {
			return nil, fmt.Errorf("service %q: filesystem services need a dir", name)
		}
		if spec.KeyFile != "" {
			return nil, fmt.Errorf("service %q: key_file is only valid for ephemeral services", name)
		}
		if spec.Detach {
			return nil, fmt.Errorf("service %q: detach is only valid for ephemeral services", name)
		}
	default:
		return nil, fmt.Errorf("service %q: unknown kind %q", name, kind)
	}

	if _, err := onion.ValidatePorts(spec.Ports); err != nil {
		return nil, fmt.Errorf("service %q: %w", name, err)
	}

	return &Definition{
		Name:          name,
		Kind:          kind,
		Ports:         append([]string{}, spec.Ports...),
		Detach:        spec.Detach,
		KeyFile:       spec.KeyFile,
		Dir:           spec.Dir,
		Version:       spec.Version,
		GroupReadable: spec.GroupReadable,
	}, nil
}
