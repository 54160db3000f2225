package manifest

// Manifest represents the top-level structure of the service manifest
type Manifest struct {
	Services map[string]ServiceSpec `yaml:"services"`
}

// ServiceSpec contains the declared properties of one onion service
type ServiceSpec struct {
	Kind          string   `yaml:"kind,omitempty"`           // "ephemeral" (default) or "filesystem"
	Ports         []string `yaml:"ports"`                    // "<externalPort> <localAddress>:<localPort>"
	Detach        bool     `yaml:"detach,omitempty"`         // ephemeral: survive the control connection
	KeyFile       string   `yaml:"key_file,omitempty"`       // ephemeral: key blob file for a stable identity
	Dir           string   `yaml:"dir,omitempty"`            // filesystem: HiddenServiceDir
	Version       int      `yaml:"version,omitempty"`        // filesystem: descriptor layout, 0 means 3
	GroupReadable bool     `yaml:"group_readable,omitempty"` // filesystem: HiddenServiceDirGroupReadable
}
