// Package onion implements the client side of the Tor control-port
// commands that manage onion (hidden) services: ADD_ONION / DEL_ONION
// for ephemeral services, HiddenServiceDir registration for filesystem
// services, and the HS_DESC event tracking that decides whether a new
// service's descriptor reached the network.
//
// The package talks to the daemon through the small Controller
// interface so it can be driven by any control-connection
// implementation (internal/torctl in this repo, a scripted fake in
// tests).
package onion

import "context"

// EventHSDesc is the event class carrying descriptor upload status.
const EventHSDesc = "HS_DESC"

// EventHandler receives the raw payload of one asynchronous event,
// with the event class name already stripped. It is an alias so
// implementations satisfy Controller without importing this package.
type EventHandler = func(line string)

// Controller is the control-connection capability consumed by this
// package. Implementations must deliver events one at a time, in the
// order received from the daemon.
type Controller interface {
	// SendCommand issues one control command and returns the joined
	// payload of its reply. Replies with a non-2xx status surface as
	// errors.
	SendCommand(ctx context.Context, cmd string) (string, error)

	// AddEventListener subscribes fn to asynchronous events of the
	// named class and returns an id for RemoveEventListener.
	AddEventListener(event string, fn EventHandler) int

	// RemoveEventListener drops a subscription. Unknown ids are a
	// no-op.
	RemoveEventListener(event string, id int)
}

// Configurator applies hidden-service directory registrations to the
// daemon's running configuration. Port lines use the torrc form
// "<externalPort> <localAddress>:<localPort>".
type Configurator interface {
	ApplyHiddenService(ctx context.Context, dir string, portLines []string, version int, groupReadable bool) error
	DropHiddenService(ctx context.Context, dir string) error
}
