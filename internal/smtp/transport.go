package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"time"

	"github.com/pawciobiel/golubrelay/internal/config"
	"github.com/pawciobiel/golubrelay/internal/delivery"
	"github.com/pawciobiel/golubrelay/internal/metrics"
)

// Transport delivers one message to one remote IP per Attempt. It keeps no
// per-attempt state and can be shared by all workers.
type Transport struct {
	hostname       string
	port           string
	connectTimeout time.Duration
	commandTimeout time.Duration
	startTLS       bool
	logger         *slog.Logger
}

// NewTransport creates an SMTP transport announcing itself as hostname
func NewTransport(cfg *config.TransportConfig, hostname string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		hostname:       hostname,
		port:           strconv.Itoa(cfg.Port),
		connectTimeout: cfg.ConnectTimeout,
		commandTimeout: cfg.CommandTimeout,
		startTLS:       cfg.StartTLS,
		logger:         logger,
	}
}

func family(ip net.IP) string {
	if ip.To4() != nil {
		return "ipv4"
	}
	return "ipv6"
}

func connectResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "error"
}

// Attempt implements delivery.Transport.
func (t *Transport) Attempt(ctx context.Context, msg *delivery.Message, remoteIP, sourceIP string) (reply delivery.Reply, rerr error) {
	start := time.Now()
	defer func() {
		result := delivery.Success
		if rerr != nil {
			result = delivery.Classify(reply)
		}
		metrics.Attempt.WithLabelValues(result.String()).Observe(time.Since(start).Seconds())
	}()

	remote := net.ParseIP(remoteIP)
	if remote == nil {
		return delivery.Reply{}, fmt.Errorf("invalid remote address %q", remoteIP)
	}

	dialer := &net.Dialer{Timeout: t.connectTimeout}
	if src := net.ParseIP(sourceIP); src != nil && !src.IsUnspecified() {
		dialer.LocalAddr = &net.TCPAddr{IP: src}
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(remote.String(), t.port))
	metrics.Connection.WithLabelValues(family(remote), connectResult(err)).Inc()
	if err != nil {
		return delivery.Reply{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// The deadline caps the whole conversation; cancelling ctx aborts it.
	if err := conn.SetDeadline(time.Now().Add(t.commandTimeout)); err != nil {
		return delivery.Reply{}, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := t.converse(conn, remote.String(), msg); err != nil {
		reply := replyFromError(err)
		t.logger.Debug("SMTP conversation failed",
			"message_id", msg.ID,
			"remote", remoteIP,
			"source", sourceIP,
			"code", reply.Code,
			"error", err)
		return reply, err
	}
	return delivery.Reply{Code: StatusOK}, nil
}

func (t *Transport) converse(conn net.Conn, remote string, msg *delivery.Message) error {
	client, err := smtp.NewClient(conn, remote)
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	defer client.Close()

	if err := client.Hello(t.hostname); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok && t.startTLS {
		// Opportunistic TLS between MTAs: the peer is addressed by IP, so the
		// certificate cannot be matched against a name.
		tlsConf := &tls.Config{
			ServerName:         remote,
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConf); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if err := client.Mail(msg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(msg.Data); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	// The message is accepted once DATA completes; a failed QUIT does not change that.
	_ = client.Quit()
	return nil
}
