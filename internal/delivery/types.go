package delivery

import (
	"errors"
	"fmt"
)

// Result is the semantic outcome of a delivery attempt. It is the only
// vocabulary the rotation reasons about.
type Result int

const (
	Success Result = iota
	TemporaryError
	MailboxNotExists
	ServerNotFound
	UnknownError
)

var resultNames = map[Result]string{
	Success:          "success",
	TemporaryError:   "temporary_error",
	MailboxNotExists: "mailbox_not_exists",
	ServerNotFound:   "server_not_found",
	UnknownError:     "unknown_error",
}

// String returns the string representation of Result
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// ErrMalformedRecipient is reported when the recipient does not split into
// exactly one local part and one domain.
var ErrMalformedRecipient = errors.New("malformed recipient address")

// Message is one envelope plus the raw message bytes (headers and body).
type Message struct {
	ID   string
	From string
	To   string
	Data []byte
}

// Reply is the last raw SMTP response seen by a transport. Code 0 means no
// reply was read, i.e. the failure happened at connection level.
type Reply struct {
	Code     int
	Enhanced string // RFC 3463 status, e.g. "5.1.1", empty if absent
	Message  string
}

// String formats the reply the way it is stored in last_code.
func (r Reply) String() string {
	if r.Code == 0 {
		return ""
	}
	if r.Enhanced != "" {
		return fmt.Sprintf("%d %s", r.Code, r.Enhanced)
	}
	return fmt.Sprintf("%d", r.Code)
}

// Cursor is the rotation position threaded into and out of Engine.Send.
//
// MX and IP are the last attempted indices into the MX list and the current
// address list. They are reinterpreted against freshly resolved lists and wrap
// to 0 when out of range. IPv4Fallback becomes true on the first IPv4 attempt
// and never reverts. SourceIPv4 and SourceIPv6 are bound once from the address
// pool and reused for every later attempt made with this cursor.
type Cursor struct {
	MX           int
	IP           int
	IPv4Fallback bool
	SourceIPv4   string
	SourceIPv6   string
}

// Report is what a single Send returns.
type Report struct {
	Result Result
	Cursor Cursor

	// RemoteAddr is the last remote IP an attempt was made to.
	RemoteAddr string
	// SourceAddr is the bound source IP of the last attempt.
	SourceAddr string
	// Reply is the last raw reply of a failed attempt.
	Reply Reply
	// Exhausted is set when every MX was tried without a decisive result.
	Exhausted bool
	// Err holds the cause behind an UnknownError that did not come from a
	// remote reply: ErrMalformedRecipient, a resolution error, an address
	// pool error or a context error.
	Err error
}

// LastCode returns the raw reply when one was seen, otherwise the classified result.
func (r Report) LastCode() string {
	if s := r.Reply.String(); s != "" {
		return s
	}
	return r.Result.String()
}
