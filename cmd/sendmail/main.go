package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/pawciobiel/golubrelay/internal/config"
	"github.com/pawciobiel/golubrelay/internal/logging"
	"github.com/pawciobiel/golubrelay/internal/queue"
	"github.com/pawciobiel/golubrelay/internal/storage"
)

// SendmailArgs represents parsed command line arguments
type SendmailArgs struct {
	ConfigPath string
	From       string
	To         []string
	ReadTo     bool
	Verbose    bool
}

// Enqueuer inserts pending jobs. *queue.Store implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, from, to, emailPath string) (int64, error)
}

func main() {
	args, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithEnv(args.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(&cfg.Logging, os.Stderr)

	// Read message from stdin
	message, err := readMessage(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading message: %v\n", err)
		os.Exit(1)
	}

	// Parse recipients from message if -t flag is used
	if args.ReadTo {
		recipients, cleanMessage := extractRecipients(message)
		args.To = append(args.To, recipients...)
		message = cleanMessage
	}

	if len(args.To) == 0 {
		fmt.Fprintf(os.Stderr, "Error: No recipients specified\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := queue.Open(ctx, &cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening queue: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	store := queue.NewStore(db, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing queue: %v\n", err)
		os.Exit(1)
	}

	ids, err := queueMessage(ctx, store, &cfg.Spool, args.From, args.To, message)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error queueing message: %v\n", err)
		os.Exit(1)
	}

	if args.Verbose {
		fmt.Fprintf(os.Stderr, "sendmail: queued %d job(s): %v\n", len(ids), ids)
	}
}

// queueMessage spools one copy of message per recipient and enqueues a
// pending job for each. Each job owns its payload file so it can be archived
// on its own terminal status.
func queueMessage(ctx context.Context, store Enqueuer, spool *config.SpoolConfig, from string, to []string, message string) ([]int64, error) {
	ids := make([]int64, 0, len(to))
	for _, rcpt := range to {
		path, err := storage.Spool(ctx, spool.Dir, storage.GenerateID(), strings.NewReader(message), spool.MaxMessageSize)
		if err != nil {
			return ids, fmt.Errorf("failed to spool message for %s: %w", rcpt, err)
		}

		id, err := store.Enqueue(ctx, from, rcpt, path)
		if err != nil {
			os.Remove(path)
			return ids, fmt.Errorf("failed to enqueue %s: %w", rcpt, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseArgs parses command line arguments in sendmail-compatible format
func parseArgs() (*SendmailArgs, error) {
	args := &SendmailArgs{
		To: make([]string, 0),
	}

	// Define flags
	flag.StringVar(&args.ConfigPath, "config", "", "Path to golubrelay configuration file")
	flag.StringVar(&args.From, "f", "", "Set sender address")
	flag.StringVar(&args.From, "from", "", "Set sender address (alias for -f)")
	flag.BoolVar(&args.ReadTo, "t", false, "Read recipients from message headers")
	flag.BoolVar(&args.Verbose, "v", false, "Verbose output")

	// Custom usage
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] recipient...\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExample:\n")
		fmt.Fprintf(os.Stderr, "  echo 'Hello World' | %s user@example.com\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -f sender@example.com -t < message.txt\n", os.Args[0])
	}

	flag.Parse()

	// Remaining arguments are recipients
	args.To = append(args.To, flag.Args()...)

	// Set default sender if not specified
	if args.From == "" {
		// Get current user as default sender
		if user := os.Getenv("USER"); user != "" {
			hostname, _ := os.Hostname()
			if hostname == "" {
				hostname = "localhost"
			}
			args.From = user + "@" + hostname
		}
	}

	return args, nil
}

// readMessage reads the message from stdin with CRLF line endings
func readMessage(reader io.Reader) (string, error) {
	var builder strings.Builder
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		builder.WriteString(strings.TrimSuffix(scanner.Text(), "\r"))
		builder.WriteString("\r\n")
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading input: %w", err)
	}

	return builder.String(), nil
}

// extractRecipients collects addresses from To:, Cc: and Bcc: headers,
// including folded continuation lines, and drops Bcc: from the message.
func extractRecipients(message string) ([]string, string) {
	headerEnd := strings.Index(message, "\r\n\r\n")
	if headerEnd == -1 {
		headerEnd = len(message)
	}
	header, body := message[:headerEnd], message[headerEnd:]

	recipients := make([]string, 0)
	kept := make([]string, 0)
	var field, value string
	var folded []string

	flush := func() {
		switch field {
		case "to", "cc", "bcc":
			recipients = append(recipients, parseAddressLine(value)...)
		}
		if field != "bcc" {
			kept = append(kept, folded...)
		}
		field, value, folded = "", "", nil
	}

	for _, line := range strings.Split(header, "\r\n") {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			value += " " + strings.TrimSpace(line)
			folded = append(folded, line)
			continue
		}
		flush()
		name, rest, ok := strings.Cut(line, ":")
		if ok {
			field, value = strings.ToLower(strings.TrimSpace(name)), rest
		}
		folded = []string{line}
	}
	flush()

	return recipients, strings.Join(kept, "\r\n") + body
}

// parseAddressLine parses the addresses of one header value
func parseAddressLine(line string) []string {
	addresses := make([]string, 0)
	if list, err := mail.ParseAddressList(line); err == nil {
		for _, addr := range list {
			addresses = append(addresses, addr.Address)
		}
		return addresses
	}

	// Not RFC 5322 clean, fall back to comma splitting with <addr> extraction.
	for _, part := range strings.Split(line, ",") {
		addr := strings.TrimSpace(part)
		if start := strings.LastIndex(addr, "<"); start != -1 {
			if end := strings.Index(addr[start:], ">"); end != -1 {
				addr = addr[start+1 : start+end]
			}
		}
		if addr = strings.TrimSpace(addr); addr != "" {
			addresses = append(addresses, addr)
		}
	}
	return addresses
}
