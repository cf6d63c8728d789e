package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpoolState is the lifecycle directory a payload file lives in.
type SpoolState string

const (
	SpoolQueue     SpoolState = "queue"     // Waiting for (re)delivery
	SpoolDelivered SpoolState = "delivered" // Accepted by a remote MTA
	SpoolFailed    SpoolState = "failed"    // Permanently failed or retries exhausted
)

// GetRequiredSpoolDirectories returns all required spool directory names
func GetRequiredSpoolDirectories() []SpoolState {
	return []SpoolState{SpoolQueue, SpoolDelivered, SpoolFailed}
}

// ErrMessageTooLarge is returned when a payload exceeds the configured limit.
var ErrMessageTooLarge = errors.New("message size exceeds limit")

// InitializeSpoolDirectories creates all required spool directories with secure permissions
func InitializeSpoolDirectories(spoolDir string) error {
	for _, state := range GetRequiredSpoolDirectories() {
		dir := filepath.Join(spoolDir, string(state))
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create spool directory %s: %w", dir, err)
		}
	}
	return nil
}

// GenerateID creates a new unique message ID without hyphens
func GenerateID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Filename generates the standardized payload filename for a message
func Filename(created time.Time, id string) string {
	return fmt.Sprintf("%s.%s.eml", created.UTC().Format("20060102T150405Z"), id)
}

// Spool writes the payload read from r to <spoolDir>/queue atomically and
// returns the final path. Lines are normalized to CRLF. maxSize <= 0 means
// no limit.
func Spool(ctx context.Context, spoolDir, id string, r io.Reader, maxSize int) (string, error) {
	queueDir := filepath.Join(spoolDir, string(SpoolQueue))
	finalFile := filepath.Join(queueDir, Filename(time.Now(), id))
	tempFile := finalFile + ".tmp"

	// Check for context cancellation before starting
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	// Create temporary file with secure permissions (0600 = rw-------)
	file, err := os.OpenFile(tempFile, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file %s: %w", tempFile, err)
	}

	// Ensure cleanup of temporary file on error
	defer func() {
		file.Close()
		if _, err := os.Stat(finalFile); os.IsNotExist(err) {
			os.Remove(tempFile)
		}
	}()

	totalSize, err := copyCRLF(ctx, file, r, int64(maxSize))
	if err != nil {
		return "", err
	}
	if totalSize == 0 {
		return "", fmt.Errorf("empty message")
	}

	// Force data to disk (critical for atomicity)
	if err := file.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync file to disk: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	// Atomic rename - this is the critical moment of persistence
	if err := os.Rename(tempFile, finalFile); err != nil {
		return "", fmt.Errorf("failed to atomically rename file: %w", err)
	}

	return finalFile, nil
}

// copyCRLF copies lines from r to w, terminating each with CRLF.
func copyCRLF(ctx context.Context, w io.Writer, r io.Reader, maxSize int64) (int64, error) {
	reader := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n") + "\r\n"
			if maxSize > 0 && total+int64(len(line)) > maxSize {
				return total, fmt.Errorf("%w of %d bytes", ErrMessageTooLarge, maxSize)
			}
			n, werr := bw.WriteString(line)
			total += int64(n)
			if werr != nil {
				return total, fmt.Errorf("failed to write to file: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
	}

	if err := bw.Flush(); err != nil {
		return total, fmt.Errorf("failed to write to file: %w", err)
	}
	return total, nil
}

// ReadPayload loads the message bytes referenced by a job's email_path.
func ReadPayload(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload %s: %w", path, err)
	}
	return data, nil
}

// Archive moves a payload file from the queue directory into the directory of
// state and returns the new path. Files outside spoolDir are left in place.
func Archive(spoolDir, path string, state SpoolState) (string, error) {
	queueDir := filepath.Join(spoolDir, string(SpoolQueue))
	if filepath.Dir(path) != queueDir {
		return path, nil
	}

	target := filepath.Join(spoolDir, string(state), filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return path, fmt.Errorf("failed to archive payload %s: %w", path, err)
	}
	return target, nil
}
