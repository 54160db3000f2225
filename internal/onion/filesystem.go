package onion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FilesystemOptions configures a directory-based hidden service.
type FilesystemOptions struct {
	// Dir is the HiddenServiceDir the daemon keeps keys and hostname
	// in. The daemon creates it if missing.
	Dir string

	// Ports holds "<externalPort> <localAddress>:<localPort>" entries.
	Ports []string

	// Version of the on-disk layout. Zero means 3. No support check
	// happens here: an unknown version only fails once PrivateKey is
	// read.
	Version int

	// GroupReadable maps to HiddenServiceDirGroupReadable.
	GroupReadable bool
}

// FilesystemService is an onion service configured through a
// HiddenServiceDir. The daemon manages its descriptor publication on
// its own; there is no upload tracking for this variant.
type FilesystemService struct {
	conf Configurator

	mu            sync.Mutex
	dir           string
	ports         []PortSpec
	version       int
	groupReadable bool
	key           []byte // lazy, loaded once
}

// CreateFilesystem validates ports and registers the directory with
// the daemon's configuration.
func CreateFilesystem(ctx context.Context, conf Configurator, opts FilesystemOptions) (*FilesystemService, error) {
	specs, err := ValidatePorts(opts.Ports)
	if err != nil {
		return nil, err
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: hidden service directory must not be empty", ErrInvalidArgument)
	}

	version := opts.Version
	if version == 0 {
		version = 3
	}

	portLines := make([]string, len(specs))
	for i, spec := range specs {
		portLines[i] = spec.String()
	}

	if err := conf.ApplyHiddenService(ctx, opts.Dir, portLines, version, opts.GroupReadable); err != nil {
		return nil, fmt.Errorf("failed to register hidden service dir: %w", err)
	}

	return &FilesystemService{
		conf:          conf,
		dir:           opts.Dir,
		ports:         specs,
		version:       version,
		groupReadable: opts.GroupReadable,
	}, nil
}

// Dir returns the current hidden service directory.
func (s *FilesystemService) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// SetDir reassigns the directory without any checks. Moving or
// creating the directory is the caller's responsibility, as is
// re-applying the configuration.
func (s *FilesystemService) SetDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir = dir
}

// Ports returns a copy of the validated port forwards.
func (s *FilesystemService) Ports() []PortSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PortSpec, len(s.ports))
	copy(out, s.ports)
	return out
}

// SetPorts replaces the port forwards after validating them. The
// running daemon configuration is untouched until the caller
// re-applies it.
func (s *FilesystemService) SetPorts(ports []string) error {
	specs, err := ValidatePorts(ports)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = specs
	return nil
}

// Version returns the declared on-disk layout version.
func (s *FilesystemService) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// GroupReadable reports the HiddenServiceDirGroupReadable setting.
func (s *FilesystemService) GroupReadable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupReadable
}

// PrivateKey reads the service's key material from disk on first use
// and caches it. Unsupported layout versions surface here, never at
// creation.
func (s *FilesystemService) PrivateKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}
	key, err := loadPrivateKey(s.dir, s.version)
	if err != nil {
		return nil, err
	}
	s.key = key
	return s.key, nil
}

// Hostname returns the service's onion hostname: the daemon-written
// hostname file when present, otherwise derived from the public key of
// a version 3 directory restored from backup. It fails until the
// daemon has picked up the directory and generated the identity.
func (s *FilesystemService) Hostname() (string, error) {
	s.mu.Lock()
	dir := s.dir
	version := s.version
	s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(dir, "hostname"))
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if version == 3 {
		if hostname, derr := deriveV3Hostname(dir); derr == nil {
			return hostname, nil
		}
	}
	return "", fmt.Errorf("hostname not available yet: %w", err)
}

// Remove drops the directory registration from the daemon's
// configuration. Files on disk are left alone.
func (s *FilesystemService) Remove(ctx context.Context) error {
	s.mu.Lock()
	dir := s.dir
	s.mu.Unlock()

	if err := s.conf.DropHiddenService(ctx, dir); err != nil {
		return fmt.Errorf("failed to drop hidden service dir: %w", err)
	}
	return nil
}
