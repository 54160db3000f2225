// Package torctl speaks the Tor control-port wire protocol: one
// long-lived connection multiplexing synchronous commands and
// asynchronous 650 events. Command replies are paired with their
// commands strictly in send order, which the daemon guarantees.
package torctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/burrowd/burrow/internal/logger"
)

// ErrClosed is returned by commands issued after the connection shut
// down.
var ErrClosed = errors.New("control connection closed")

const (
	defaultCommandTimeout = 10 * time.Second

	// eventQueueSize bounds undispatched events so a slow listener can
	// never stall the read loop.
	eventQueueSize = 128
)

// Options configures Dial.
type Options struct {
	// Addr is the control endpoint: "host:port" for TCP or
	// "unix:/path/to/socket".
	Addr string

	// Auth is passed verbatim as the AUTHENTICATE argument. Empty
	// sends a bare AUTHENTICATE, which daemons without authentication
	// accept.
	Auth string

	// CommandTimeout bounds commands this package issues on its own
	// (SETEVENTS resyncs). Zero means 10s. Caller commands are bounded
	// by their ctx instead.
	CommandTimeout time.Duration

	Logger logger.Logger
}

type rawEvent struct {
	name    string
	payload string
}

// Conn is one authenticated control connection. All methods are safe
// for concurrent use. Event handlers run one at a time on a dedicated
// goroutine, in arrival order.
type Conn struct {
	c   net.Conn
	br  *bufio.Reader
	log logger.Logger

	cmdTimeout time.Duration

	// serverVersion is set once during the handshake and read-only
	// after Dial returns.
	serverVersion string

	// wmu serializes writes so the pending queue order always matches
	// the wire order.
	wmu sync.Mutex

	mu        sync.Mutex
	pending   []chan reply
	listeners map[string]map[int]func(line string)
	nextID    int
	err       error

	setMu sync.Mutex // serializes SETEVENTS resyncs

	closed  chan struct{}
	eventCh chan rawEvent
}

// Dial connects to the control endpoint, starts the reader, and
// authenticates. ctx bounds the whole handshake.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	network, addr := "tcp", opts.Addr
	if rest, ok := strings.CutPrefix(opts.Addr, "unix:"); ok {
		network, addr = "unix", rest
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control endpoint %s: %w", opts.Addr, err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	cmdTimeout := opts.CommandTimeout
	if cmdTimeout <= 0 {
		cmdTimeout = defaultCommandTimeout
	}

	c := &Conn{
		c:          nc,
		br:         bufio.NewReader(nc),
		log:        log,
		cmdTimeout: cmdTimeout,
		listeners:  make(map[string]map[int]func(line string)),
		closed:     make(chan struct{}),
		eventCh:    make(chan rawEvent, eventQueueSize),
	}
	go c.readLoop()
	go c.eventLoop()

	if err := c.probeVersion(ctx); err != nil {
		c.Close()
		return nil, err
	}

	cmd := "AUTHENTICATE"
	if opts.Auth != "" {
		cmd += " " + opts.Auth
	}
	if _, err := c.SendCommand(ctx, cmd); err != nil {
		c.Close()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return c, nil
}

// probeVersion issues PROTOCOLINFO, the one command daemons answer
// before authentication, and records the reported server version.
func (c *Conn) probeVersion(ctx context.Context) error {
	payload, err := c.SendCommand(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return fmt.Errorf("PROTOCOLINFO failed: %w", err)
	}
	for _, line := range strings.Split(payload, "\n") {
		rest, ok := strings.CutPrefix(line, "VERSION Tor=")
		if !ok {
			continue
		}
		c.serverVersion = strings.Trim(rest, `"`)
		break
	}
	return nil
}

// SendCommand writes one command line and blocks for its reply. The
// returned string is the reply payload: the joined mid lines when the
// reply has any, otherwise the text of the final line. Non-2xx replies
// come back as a *ReplyError. Abandoning the wait through ctx leaves
// the connection usable; the late reply is discarded.
func (c *Conn) SendCommand(ctx context.Context, cmd string) (string, error) {
	ch := make(chan reply, 1)

	c.wmu.Lock()
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.wmu.Unlock()
		return "", err
	}
	c.pending = append(c.pending, ch)
	c.mu.Unlock()
	_, err := c.c.Write([]byte(cmd + "\r\n"))
	c.wmu.Unlock()

	if err != nil {
		// A partial write leaves the stream unusable.
		err = fmt.Errorf("failed to write control command: %w", err)
		c.fail(err)
		return "", err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if r.status/100 != 2 {
			return "", &ReplyError{Status: r.status, Text: r.text()}
		}
		return r.payload(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetInfo fetches one GETINFO key and returns its bare value, data
// blocks included but the "key=" prefix stripped.
func (c *Conn) GetInfo(ctx context.Context, key string) (string, error) {
	payload, err := c.SendCommand(ctx, "GETINFO "+key)
	if err != nil {
		return "", err
	}
	value, ok := strings.CutPrefix(payload, key+"=")
	if !ok {
		return "", fmt.Errorf("unexpected GETINFO %s reply %q", key, payload)
	}
	return strings.TrimPrefix(value, "\n"), nil
}

// GetConf fetches the current values of one configuration option. An
// option that is set but empty yields one empty string.
func (c *Conn) GetConf(ctx context.Context, key string) ([]string, error) {
	payload, err := c.SendCommand(ctx, "GETCONF "+key)
	if err != nil {
		return nil, err
	}
	var values []string
	for _, line := range strings.Split(payload, "\n") {
		if line == "" {
			continue
		}
		if _, val, ok := strings.Cut(line, "="); ok {
			values = append(values, val)
		} else {
			values = append(values, "")
		}
	}
	return values, nil
}

// AddEventListener subscribes fn to the named event class and returns
// an id for RemoveEventListener. The daemon-side SETEVENTS update runs
// in the background; a registration is live once the daemon has
// processed it.
func (c *Conn) AddEventListener(event string, fn func(line string)) int {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	set, ok := c.listeners[event]
	if !ok {
		set = make(map[int]func(line string))
		c.listeners[event] = set
	}
	set[id] = fn
	first := len(set) == 1
	c.mu.Unlock()

	if first {
		go c.syncEvents()
	}
	return id
}

// RemoveEventListener drops a subscription. Unknown ids are a no-op.
func (c *Conn) RemoveEventListener(event string, id int) {
	c.mu.Lock()
	set, ok := c.listeners[event]
	if ok {
		_, ok = set[id]
	}
	last := false
	if ok {
		delete(set, id)
		if len(set) == 0 {
			delete(c.listeners, event)
			last = true
		}
	}
	c.mu.Unlock()

	if last {
		go c.syncEvents()
	}
}

// ServerVersion returns the daemon version reported during the
// handshake, "" when the daemon did not report one.
func (c *Conn) ServerVersion() string { return c.serverVersion }

// Done is closed once the connection has shut down for any reason.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the reason the connection shut down, nil while it is
// alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.err, ErrClosed) {
		return nil
	}
	return c.err
}

// Close shuts the connection down. In-flight commands fail with
// ErrClosed.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

// syncEvents pushes the current union of subscribed event classes to
// the daemon. Resyncs serialize, and each one reads the registry at
// send time, so the last resync to run always transmits the final
// state.
func (c *Conn) syncEvents() {
	c.setMu.Lock()
	defer c.setMu.Unlock()

	c.mu.Lock()
	names := make([]string, 0, len(c.listeners))
	for name := range c.listeners {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	cmd := "SETEVENTS"
	if len(names) > 0 {
		cmd += " " + strings.Join(names, " ")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cmdTimeout)
	defer cancel()
	if _, err := c.SendCommand(ctx, cmd); err != nil {
		if !errors.Is(err, ErrClosed) {
			c.log.Warn("failed to update event subscriptions", logger.Error(err))
		}
	}
}

// fail shuts the connection down once: the socket closes, every
// pending waiter gets err, and later commands are refused.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	waiters := c.pending
	c.pending = nil
	close(c.closed)
	c.mu.Unlock()

	c.c.Close()
	for _, ch := range waiters {
		ch <- reply{err: err}
	}
}

// readLoop is the only reader. It reassembles reply blocks from the
// line framing (status code, then '-' continuation, '+' data block, or
// ' ' final line), routes 650 blocks to the event queue, and pairs
// everything else with the oldest pending command.
func (c *Conn) readLoop() {
	var mids []string
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			c.fail(fmt.Errorf("control connection read failed: %w", err))
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			c.fail(fmt.Errorf("%w: short reply line %q", errMalformed, line))
			return
		}
		status, err := strconv.Atoi(line[:3])
		if err != nil {
			c.fail(fmt.Errorf("%w: bad status in reply line %q", errMalformed, line))
			return
		}
		text := line[4:]

		switch line[3] {
		case '-':
			mids = append(mids, text)
		case '+':
			block, err := c.readDataBlock(text)
			if err != nil {
				c.fail(err)
				return
			}
			mids = append(mids, block)
		case ' ':
			r := reply{status: status, mids: mids, final: text}
			mids = nil
			if status == 650 {
				c.enqueueEvent(r)
			} else {
				c.deliver(r)
			}
		default:
			c.fail(fmt.Errorf("%w: bad divider in reply line %q", errMalformed, line))
			return
		}
	}
}

var errMalformed = errors.New("malformed control reply")

// readDataBlock consumes a CmdData payload up to its lone "." line.
// Leading dots are unescaped per the wire format.
func (c *Conn) readDataBlock(first string) (string, error) {
	lines := []string{first}
	for {
		raw, err := c.br.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("control connection read failed mid data block: %w", err)
		}
		raw = strings.TrimRight(raw, "\r\n")
		if raw == "." {
			return strings.Join(lines, "\n"), nil
		}
		if strings.HasPrefix(raw, "..") {
			raw = raw[1:]
		}
		lines = append(lines, raw)
	}
}

func (c *Conn) deliver(r reply) {
	c.mu.Lock()
	var ch chan reply
	if len(c.pending) > 0 {
		ch = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	if ch == nil {
		c.log.Warn("discarding unsolicited control reply",
			logger.Int("status", r.status),
			logger.String("text", r.text()))
		return
	}
	ch <- r
}

func (c *Conn) enqueueEvent(r reply) {
	all := append(r.mids, r.final)

	// The event name ends at the first space or, for data-block
	// events, the first embedded newline.
	name, rest := all[0], ""
	if i := strings.IndexAny(name, " \n"); i >= 0 {
		name, rest = name[:i], name[i+1:]
	}
	payload := rest
	if len(all) > 1 {
		payload = strings.Join(append([]string{rest}, all[1:]...), "\n")
	}

	select {
	case c.eventCh <- rawEvent{name: name, payload: payload}:
	default:
		c.log.Warn("dropping control event, queue full", logger.String("event", name))
	}
}

func (c *Conn) eventLoop() {
	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.eventCh:
			c.dispatch(ev)
		}
	}
}

func (c *Conn) dispatch(ev rawEvent) {
	c.mu.Lock()
	fns := make([]func(line string), 0, len(c.listeners[ev.name]))
	for _, fn := range c.listeners[ev.name] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev.payload)
	}
}
