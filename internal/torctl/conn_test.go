package torctl

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// noReply tells the test daemon to swallow a command without
// answering.
const noReply = "\x00noreply"

// testDaemon is a scripted control endpoint. It accepts a single
// connection, answers each command line through the script function
// (empty result means a plain 250 OK), and can push raw bytes for
// asynchronous events.
type testDaemon struct {
	t     *testing.T
	ln    net.Listener
	ready chan struct{}

	script func(cmd string) string

	mu   sync.Mutex
	conn net.Conn
	seen []string
}

func newTestDaemon(t *testing.T, script func(cmd string) string) *testDaemon {
	t.Helper()
	return newTestDaemonOn(t, "tcp", "127.0.0.1:0", script)
}

func newTestDaemonOn(t *testing.T, network, addr string, script func(cmd string) string) *testDaemon {
	t.Helper()
	ln, err := net.Listen(network, addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	if script == nil {
		script = func(string) string { return "" }
	}
	d := &testDaemon{t: t, ln: ln, ready: make(chan struct{}), script: script}
	go d.serve()
	t.Cleanup(func() {
		ln.Close()
		d.closeConn()
	})
	return d
}

func (d *testDaemon) serve() {
	conn, err := d.ln.Accept()
	if err != nil {
		return
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	close(d.ready)

	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		d.mu.Lock()
		d.seen = append(d.seen, cmd)
		d.mu.Unlock()

		resp := d.script(cmd)
		if resp == noReply {
			continue
		}
		if resp == "" {
			resp = "250 OK\r\n"
		}
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func (d *testDaemon) addr() string {
	if d.ln.Addr().Network() == "unix" {
		return "unix:" + d.ln.Addr().String()
	}
	return d.ln.Addr().String()
}

// emit writes raw bytes to the connected client, waiting for the
// connection first.
func (d *testDaemon) emit(wire string) {
	select {
	case <-d.ready:
	case <-time.After(2 * time.Second):
		d.t.Error("no client connected to emit to")
		return
	}
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if _, err := conn.Write([]byte(wire)); err != nil {
		d.t.Errorf("emit failed: %v", err)
	}
}

func (d *testDaemon) closeConn() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (d *testDaemon) commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.seen))
	copy(out, d.seen)
	return out
}

// waitForCommand polls until the daemon has seen cmd.
func (d *testDaemon) waitForCommand(t *testing.T, cmd string) {
	t.Helper()
	d.waitForCommandSince(t, 0, cmd)
}

// waitForCommandSince polls until cmd shows up among the commands seen
// after the first `since` ones.
func (d *testDaemon) waitForCommandSince(t *testing.T, since int, cmd string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cmds := d.commands()
		if since > len(cmds) {
			since = len(cmds)
		}
		for _, seen := range cmds[since:] {
			if seen == cmd {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("daemon never saw %q, got %v", cmd, d.commands())
}

func dialTest(t *testing.T, d *testDaemon, opts Options) *Conn {
	t.Helper()
	opts.Addr = d.addr()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, opts)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialAuthenticates(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "PROTOCOLINFO") {
			return "250-PROTOCOLINFO 1\r\n250-AUTH METHODS=NULL\r\n250-VERSION Tor=\"0.4.8.12\"\r\n250 OK\r\n"
		}
		return ""
	})
	c := dialTest(t, d, Options{Auth: "0123abcd"})

	cmds := d.commands()
	if len(cmds) != 2 || cmds[0] != "PROTOCOLINFO 1" || cmds[1] != "AUTHENTICATE 0123abcd" {
		t.Errorf("commands = %v, want PROTOCOLINFO then AUTHENTICATE with the token", cmds)
	}
	if got := c.ServerVersion(); got != "0.4.8.12" {
		t.Errorf("ServerVersion() = %q, want 0.4.8.12", got)
	}
}

func TestDialBareAuthenticate(t *testing.T) {
	d := newTestDaemon(t, nil)
	c := dialTest(t, d, Options{})

	cmds := d.commands()
	if len(cmds) != 2 || cmds[0] != "PROTOCOLINFO 1" || cmds[1] != "AUTHENTICATE" {
		t.Errorf("commands = %v, want PROTOCOLINFO then a bare AUTHENTICATE", cmds)
	}
	if got := c.ServerVersion(); got != "" {
		t.Errorf("ServerVersion() = %q, want empty for a daemon that reports none", got)
	}
}

func TestDialAuthFailure(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "AUTHENTICATE") {
			return "515 Authentication failed: Wrong password\r\n"
		}
		return ""
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Options{Addr: d.addr()})
	if err == nil {
		t.Fatal("Dial succeeded against a rejecting daemon")
	}
	var re *ReplyError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want a *ReplyError", err)
	}
	if re.Status != 515 {
		t.Errorf("Status = %d, want 515", re.Status)
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("error = %q, want an authentication failed prefix", err)
	}
}

func TestDialUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ctl.sock")
	d := newTestDaemonOn(t, "unix", sock, nil)
	c := dialTest(t, d, Options{})

	reply, err := c.SendCommand(context.Background(), "GETINFO version")
	if err != nil {
		t.Fatalf("SendCommand over unix socket failed: %v", err)
	}
	if reply != "OK" {
		t.Errorf("reply = %q, want OK", reply)
	}
}

func TestSendCommandPayloads(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		switch {
		case strings.HasPrefix(cmd, "ADD_ONION"):
			return "250-ServiceID=abcdef\r\n250-PrivateKey=RSA1024:notakey\r\n250 OK\r\n"
		case strings.HasPrefix(cmd, "DEL_ONION"):
			return "250 OK\r\n"
		}
		return ""
	})
	c := dialTest(t, d, Options{})

	got, err := c.SendCommand(context.Background(), "ADD_ONION NEW:BEST Port=80,127.0.0.1:80")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if want := "ServiceID=abcdef\nPrivateKey=RSA1024:notakey"; got != want {
		t.Errorf("multi-line payload = %q, want %q", got, want)
	}

	got, err = c.SendCommand(context.Background(), "DEL_ONION abcdef")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got != "OK" {
		t.Errorf("single-line payload = %q, want OK", got)
	}
}

func TestSendCommandReplyError(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "SETCONF") {
			return "552 Unrecognized option\r\n"
		}
		return ""
	})
	c := dialTest(t, d, Options{})

	_, err := c.SendCommand(context.Background(), "SETCONF Bogus=1")
	var re *ReplyError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want a *ReplyError", err)
	}
	if re.Status != 552 || re.Text != "Unrecognized option" {
		t.Errorf("ReplyError = %d %q, want 552 Unrecognized option", re.Status, re.Text)
	}
}

func TestSendCommandPairsRepliesInOrder(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		switch cmd {
		case "CMD one":
			return "250 one\r\n"
		case "CMD two":
			return "250 two\r\n"
		}
		return ""
	})
	c := dialTest(t, d, Options{})

	for _, want := range []string{"one", "two"} {
		got, err := c.SendCommand(context.Background(), "CMD "+want)
		if err != nil {
			t.Fatalf("SendCommand failed: %v", err)
		}
		if got != want {
			t.Errorf("payload = %q, want %q", got, want)
		}
	}
}

func TestGetInfo(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		switch cmd {
		case "GETINFO version":
			return "250-version=0.4.8.9\r\n250 OK\r\n"
		case "GETINFO onions/detached":
			return "250+onions/detached=\r\nsvcone\r\nsvctwo\r\n..dotted\r\n.\r\n250 OK\r\n"
		}
		return ""
	})
	c := dialTest(t, d, Options{})

	got, err := c.GetInfo(context.Background(), "version")
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if got != "0.4.8.9" {
		t.Errorf("GetInfo(version) = %q, want 0.4.8.9", got)
	}

	got, err = c.GetInfo(context.Background(), "onions/detached")
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if want := "svcone\nsvctwo\n.dotted"; got != want {
		t.Errorf("GetInfo(onions/detached) = %q, want %q", got, want)
	}
}

func TestGetConf(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		if cmd == "GETCONF SocksPort" {
			return "250-SocksPort=9050\r\n250 SocksPort=9150\r\n"
		}
		if cmd == "GETCONF DisableNetwork" {
			return "250 DisableNetwork\r\n"
		}
		return ""
	})
	c := dialTest(t, d, Options{})

	got, err := c.GetConf(context.Background(), "SocksPort")
	if err != nil {
		t.Fatalf("GetConf failed: %v", err)
	}
	if len(got) != 2 || got[0] != "9050" || got[1] != "9150" {
		t.Errorf("GetConf(SocksPort) = %v, want [9050 9150]", got)
	}

	got, err = c.GetConf(context.Background(), "DisableNetwork")
	if err != nil {
		t.Fatalf("GetConf failed: %v", err)
	}
	if len(got) != 1 || got[0] != "" {
		t.Errorf("GetConf(DisableNetwork) = %v, want one empty value", got)
	}
}

func TestEventDispatch(t *testing.T) {
	d := newTestDaemon(t, nil)
	c := dialTest(t, d, Options{})

	lines := make(chan string, 4)
	c.AddEventListener("HS_DESC", func(line string) { lines <- line })
	d.waitForCommand(t, "SETEVENTS HS_DESC")

	d.emit("650 HS_DESC UPLOAD svcone UNKNOWN dirone\r\n")

	select {
	case got := <-lines:
		if want := "UPLOAD svcone UNKNOWN dirone"; got != want {
			t.Errorf("event payload = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestEventDoesNotDisturbPendingCommand(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		if cmd == "SLOW" {
			return noReply
		}
		return ""
	})
	c := dialTest(t, d, Options{})

	lines := make(chan string, 1)
	c.AddEventListener("HS_DESC", func(line string) { lines <- line })
	d.waitForCommand(t, "SETEVENTS HS_DESC")

	done := make(chan error, 1)
	go func() {
		_, err := c.SendCommand(context.Background(), "SLOW")
		done <- err
	}()
	d.waitForCommand(t, "SLOW")

	// An event arrives while the command reply is outstanding; it must
	// go to the listener, not the waiter.
	d.emit("650 HS_DESC UPLOADED svcone UNKNOWN dirone\r\n")
	select {
	case got := <-lines:
		if want := "UPLOADED svcone UNKNOWN dirone"; got != want {
			t.Errorf("event payload = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}

	// Now the reply lands and the waiter gets it.
	d.emit("250 OK\r\n")
	if err := <-done; err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
}

func TestSetEventsFollowsListenerSet(t *testing.T) {
	d := newTestDaemon(t, nil)
	c := dialTest(t, d, Options{})

	hs := c.AddEventListener("HS_DESC", func(string) {})
	d.waitForCommand(t, "SETEVENTS HS_DESC")

	n := len(d.commands())
	circ := c.AddEventListener("CIRC", func(string) {})
	d.waitForCommandSince(t, n, "SETEVENTS CIRC HS_DESC")

	n = len(d.commands())
	c.RemoveEventListener("CIRC", circ)
	d.waitForCommandSince(t, n, "SETEVENTS HS_DESC")

	n = len(d.commands())
	c.RemoveEventListener("HS_DESC", hs)
	d.waitForCommandSince(t, n, "SETEVENTS")
}

func TestAbandonedCommandDoesNotBreakPairing(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		switch cmd {
		case "SLOW":
			return noReply
		case "PING":
			return "250 pong\r\n"
		}
		return ""
	})
	c := dialTest(t, d, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.SendCommand(ctx, "SLOW")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}

	// The daemon answers the abandoned command late; the reply is
	// discarded and the next command pairs correctly.
	d.emit("250 late\r\n")
	got, err := c.SendCommand(context.Background(), "PING")
	if err != nil {
		t.Fatalf("SendCommand after abandon failed: %v", err)
	}
	if got != "pong" {
		t.Errorf("payload = %q, want pong", got)
	}
}

func TestSendCommandAfterClose(t *testing.T) {
	d := newTestDaemon(t, nil)
	c := dialTest(t, d, Options{})

	c.Close()
	if _, err := c.SendCommand(context.Background(), "PING"); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed after Close")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() after deliberate Close = %v, want nil", err)
	}
}

func TestDisconnectFailsPendingCommands(t *testing.T) {
	d := newTestDaemon(t, func(cmd string) string {
		if cmd == "SLOW" {
			return noReply
		}
		return ""
	})
	c := dialTest(t, d, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.SendCommand(context.Background(), "SLOW")
		done <- err
	}()
	d.waitForCommand(t, "SLOW")
	d.closeConn()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("pending command survived the disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command never failed")
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after disconnect")
	}
	if c.Err() == nil {
		t.Error("Err() = nil after an unexpected disconnect")
	}
}
