package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/pawciobiel/golubrelay/internal/dns"
)

// Resolver looks up the records the rotation walks through.
type Resolver interface {
	// MX returns the mail exchangers of domain in ascending preference order.
	MX(ctx context.Context, domain string) ([]*net.MX, error)
	A(ctx context.Context, host string) ([]string, error)
	AAAA(ctx context.Context, host string) ([]string, error)
}

// AddressPool hands out source IPs for outbound binding.
type AddressPool interface {
	IPv4(ctx context.Context) (string, error)
	IPv6(ctx context.Context) (string, error)
}

// Transport performs one SMTP attempt to remoteIP from sourceIP. A nil error
// means the message was accepted. On failure the returned Reply is the last
// raw response, with Code 0 when no reply was read.
type Transport interface {
	Attempt(ctx context.Context, msg *Message, remoteIP, sourceIP string) (Reply, error)
}

// Options configures an Engine.
type Options struct {
	IPv6Enabled bool
	Logger      *slog.Logger
}

// Engine runs the MX x IP x address family rotation for one message.
// It holds no per-job state; rotation state lives in the Cursor passed to Send,
// so a single Engine can be used from any number of workers.
type Engine struct {
	resolver    Resolver
	pool        AddressPool
	transport   Transport
	ipv6Enabled bool
	logger      *slog.Logger
}

// NewEngine creates a delivery engine
func NewEngine(resolver Resolver, pool AddressPool, transport Transport, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		resolver:    resolver,
		pool:        pool,
		transport:   transport,
		ipv6Enabled: opts.IPv6Enabled,
		logger:      logger,
	}
}

// mxContinue reports whether a per-MX result moves the rotation to the next MX.
func mxContinue(r Result) bool {
	return r == ServerNotFound || r == MailboxNotExists || r == TemporaryError
}

// Send tries to deliver msg to msg.To, resuming the rotation at cur.
//
// MX hosts are tried in ascending preference order starting at cur.MX. For each
// MX, all addresses of one family are tried through sendToAddrs. A result of
// ServerNotFound, MailboxNotExists or TemporaryError moves on to the next MX,
// anything else ends the call. When every MX has been tried the result is
// UnknownError with Exhausted set.
func (e *Engine) Send(ctx context.Context, cur Cursor, msg *Message) Report {
	rep := Report{Result: UnknownError}

	parts := strings.Split(msg.To, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		rep.Cursor = cur
		rep.Err = ErrMalformedRecipient
		return rep
	}
	domain, err := dns.ASCIIDomain(parts[1])
	if err != nil {
		rep.Cursor = cur
		rep.Err = fmt.Errorf("%w: domain %q: %v", ErrMalformedRecipient, parts[1], err)
		return rep
	}

	mxs, err := e.resolver.MX(ctx, domain)
	if err == nil && len(mxs) == 0 {
		err = &dns.ResolveError{Kind: dns.NoRecords, Type: "mx", Name: domain}
	}
	if err != nil {
		e.logger.Debug("MX resolution failed", "message_id", msg.ID, "domain", domain, "error", err)
		rep.Cursor = cur
		rep.Err = err
		return rep
	}

	if cur.MX < 0 || cur.MX >= len(mxs) {
		cur.MX = 0
	}

	for ; cur.MX < len(mxs); cur.MX++ {
		if err := ctx.Err(); err != nil {
			rep.Cursor = cur
			rep.Err = err
			rep.Result = UnknownError
			return rep
		}

		host := mxs[cur.MX].Host
		e.logger.Debug("Remote MTA", "message_id", msg.ID, "mx", host, "pref", mxs[cur.MX].Pref)

		var res Result
		var err error
		if e.ipv6Enabled && !cur.IPv4Fallback {
			res, err = e.sendFamily(ctx, &cur, &rep, msg, host, true)
		} else {
			cur.IPv4Fallback = true
			res, err = e.sendFamily(ctx, &cur, &rep, msg, host, false)
		}
		if err != nil {
			rep.Cursor = cur
			rep.Err = err
			rep.Result = UnknownError
			return rep
		}

		if mxContinue(res) {
			rep.Result = res
			continue
		}
		rep.Cursor = cur
		rep.Result = res
		return rep
	}

	rep.Cursor = cur
	rep.Result = UnknownError
	rep.Exhausted = true
	return rep
}

// sendFamily binds the source address of one family if needed, resolves the
// MX host's addresses of that family and runs them through sendToAddrs. A
// failed or empty lookup is returned as an error and ends the rotation.
func (e *Engine) sendFamily(ctx context.Context, cur *Cursor, rep *Report, msg *Message, host string, ipv6 bool) (Result, error) {
	var (
		source string
		addrs  []string
		err    error
	)
	typ := "a"
	if ipv6 {
		typ = "aaaa"
		if cur.SourceIPv6 == "" {
			if cur.SourceIPv6, err = e.pool.IPv6(ctx); err != nil {
				return UnknownError, fmt.Errorf("acquire source ipv6: %w", err)
			}
			e.logger.Info("Bound to IPv6", "message_id", msg.ID, "source", cur.SourceIPv6)
		}
		source = cur.SourceIPv6
		addrs, err = e.resolver.AAAA(ctx, host)
	} else {
		if cur.SourceIPv4 == "" {
			if cur.SourceIPv4, err = e.pool.IPv4(ctx); err != nil {
				return UnknownError, fmt.Errorf("acquire source ipv4: %w", err)
			}
			e.logger.Info("Bound to IPv4", "message_id", msg.ID, "source", cur.SourceIPv4)
		}
		source = cur.SourceIPv4
		addrs, err = e.resolver.A(ctx, host)
	}
	if err != nil {
		return UnknownError, err
	}
	if len(addrs) == 0 {
		return UnknownError, &dns.ResolveError{Kind: dns.NoRecords, Type: typ, Name: host}
	}
	return e.sendToAddrs(ctx, cur, rep, msg, addrs, source), nil
}

// sendToAddrs tries the addresses of one MX starting at cur.IP. Only a
// ServerNotFound classification moves on to the next address; every other
// outcome is returned at once. Exhausting the list yields ServerNotFound.
func (e *Engine) sendToAddrs(ctx context.Context, cur *Cursor, rep *Report, msg *Message, addrs []string, source string) Result {
	if cur.IP < 0 || cur.IP >= len(addrs) {
		cur.IP = 0
	}

	for ; cur.IP < len(addrs); cur.IP++ {
		remote := addrs[cur.IP]
		rep.RemoteAddr = remote
		rep.SourceAddr = source

		reply, err := e.transport.Attempt(ctx, msg, remote, source)
		if err == nil {
			return Success
		}
		rep.Reply = reply

		code := Classify(reply)
		if code == Success {
			// A positive reply to the wrong command, e.g. 250 where DATA expects 354.
			code = UnknownError
		}
		e.logger.Debug("Delivery attempt failed",
			"message_id", msg.ID,
			"remote", remote,
			"source", source,
			"code", reply.Code,
			"result", code,
			"error", err)

		if code == ServerNotFound {
			continue
		}
		return code
	}

	return ServerNotFound
}
