package smtp

import (
	"errors"
	"net/textproto"
	"regexp"

	"github.com/pawciobiel/golubrelay/internal/delivery"
)

// SMTP reply codes following RFC 5321
const (
	// Positive completion replies (2xx)
	StatusReady   = 220
	StatusClosing = 221
	StatusOK      = 250

	// Positive intermediate replies (3xx)
	StatusStartMailInput = 354

	// Transient negative completion replies (4xx)
	StatusTempFailure         = 421
	StatusMailboxBusy         = 450
	StatusLocalError          = 451
	StatusInsufficientStorage = 452

	// Permanent negative completion replies (5xx)
	StatusSyntaxError        = 500
	StatusParamError         = 501
	StatusCommandNotImpl     = 502
	StatusBadSequence        = 503
	StatusMailboxUnavailable = 550
	StatusUserNotLocal       = 551
	StatusExceededStorage    = 552
	StatusMailboxName        = 553
	StatusTransactionFailed  = 554
)

// enhancedCode matches an RFC 3463 status code at the start of reply text.
var enhancedCode = regexp.MustCompile(`^([245]\.\d{1,3}\.\d{1,3})\b`)

// replyFromError extracts the remote reply from an error returned by the SMTP
// client. Errors that do not carry a reply (dial, I/O, TLS) give Code 0.
func replyFromError(err error) delivery.Reply {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return delivery.Reply{}
	}
	reply := delivery.Reply{Code: tpErr.Code, Message: tpErr.Msg}
	if m := enhancedCode.FindStringSubmatch(tpErr.Msg); m != nil {
		reply.Enhanced = m[1]
	}
	return reply
}
