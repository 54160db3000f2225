package onion

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// PortSpec is one validated port forward of an onion service: requests
// for ExternalPort on the hidden side are forwarded to
// LocalAddress:LocalPort. Immutable once parsed.
type PortSpec struct {
	ExternalPort uint16
	LocalAddress string
	LocalPort    uint16
}

// String renders the torrc form "80 127.0.0.1:80".
func (p PortSpec) String() string {
	return fmt.Sprintf("%d %s:%d", p.ExternalPort, p.LocalAddress, p.LocalPort)
}

// ControlString renders the ADD_ONION argument form "80,127.0.0.1:80".
func (p PortSpec) ControlString() string {
	return fmt.Sprintf("%d,%s:%d", p.ExternalPort, p.LocalAddress, p.LocalPort)
}

// ValidatePorts parses every entry of the raw ports argument. The
// input must be a non-empty list of strings of the form
// "<externalPort> <localAddress>:<localPort>". The first malformed
// entry fails the whole call; nothing is partially applied.
func ValidatePorts(ports []string) ([]PortSpec, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: ports must be a list of strings", ErrInvalidPorts)
	}
	specs := make([]PortSpec, 0, len(ports))
	for _, entry := range ports {
		spec, err := ParsePortSpec(entry)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParsePortSpec validates a single "<externalPort> <localAddress>:<localPort>" entry.
func ParsePortSpec(entry string) (PortSpec, error) {
	if strings.Count(entry, " ") != 1 {
		return PortSpec{}, fmt.Errorf("%w: %q must contain exactly one space", ErrInvalidPorts, entry)
	}
	external, target, _ := strings.Cut(entry, " ")

	if strings.Count(target, ":") != 1 {
		return PortSpec{}, fmt.Errorf("%w: local address should be 'IP:port', got %q", ErrInvalidPorts, target)
	}
	addr, localPort, _ := strings.Cut(target, ":")

	if !isLocalAddress(addr) {
		return PortSpec{}, fmt.Errorf("%w: %q should be a local address", ErrInvalidPorts, addr)
	}

	ext, err := strconv.ParseUint(external, 10, 16)
	if err != nil {
		return PortSpec{}, fmt.Errorf("%w: external port isn't an int: %q", ErrInvalidPorts, external)
	}

	local, err := strconv.ParseUint(localPort, 10, 16)
	if err != nil {
		return PortSpec{}, fmt.Errorf("%w: local address should be 'IP:port', got %q", ErrInvalidPorts, target)
	}

	return PortSpec{
		ExternalPort: uint16(ext),
		LocalAddress: addr,
		LocalPort:    uint16(local),
	}, nil
}

// isLocalAddress reports whether addr is a target the daemon can
// forward to without leaving the host's network: the literal
// "localhost", a loopback address, or a private/link-local address.
func isLocalAddress(addr string) bool {
	if strings.EqualFold(addr, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
