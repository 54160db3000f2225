package torctl

import (
	"fmt"
	"strings"
)

// reply is one reassembled reply block. mids holds the text of every
// '-' continuation line and every '+' data block; final is the text of
// the closing ' ' line.
type reply struct {
	status int
	mids   []string
	final  string
	err    error // connection-level failure, not a daemon reply
}

// payload is what SendCommand hands back for a 2xx reply: the joined
// mid lines when there are any, otherwise the final line itself. A
// final line other than the bare OK acknowledgment carries data too
// (GETCONF puts its last value there) and joins the mids.
func (r reply) payload() string {
	if len(r.mids) == 0 {
		return r.final
	}
	if r.final == "OK" {
		return strings.Join(r.mids, "\n")
	}
	return strings.Join(append(append([]string{}, r.mids...), r.final), "\n")
}

// text joins every line of the block, for diagnostics.
func (r reply) text() string {
	if len(r.mids) == 0 {
		return r.final
	}
	return strings.Join(append(append([]string{}, r.mids...), r.final), "\n")
}

// ReplyError is a daemon reply with a non-2xx status.
type ReplyError struct {
	Status int
	Text   string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("control reply %d: %s", e.Status, e.Text)
}
