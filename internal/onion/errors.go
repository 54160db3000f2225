package onion

import "errors"

// Sentinel errors for the onion service lifecycle. Callers match with
// errors.Is; messages wrapped around them carry the specifics.
var (
	// ErrInvalidArgument marks contract violations detected before any
	// command is sent, other than port validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidPorts marks malformed port-forwarding specifications.
	ErrInvalidPorts = errors.New("invalid ports")

	// ErrProtocol marks a malformed or unexpected daemon response.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupportedVersion marks an on-disk key layout this package
	// does not know how to read.
	ErrUnsupportedVersion = errors.New("unsupported onion service version")

	// ErrPublishFailed marks a descriptor that every announced
	// directory node refused.
	ErrPublishFailed = errors.New("failed to upload descriptor")
)
