package dns

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mjl-/adns"
)

// Kind distinguishes why a lookup did not produce records.
type Kind int

const (
	NoRecords Kind = iota
	Timeout
	LookupFailed
)

func (k Kind) String() string {
	switch k {
	case NoRecords:
		return "no_records"
	case Timeout:
		return "timeout"
	default:
		return "error"
	}
}

// ResolveError is returned for every failed lookup.
type ResolveError struct {
	Kind Kind
	Type string // "mx", "a" or "aaaa"
	Name string
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dns %s lookup for %s: %s", e.Type, e.Name, e.Kind)
	}
	return fmt.Sprintf("dns %s lookup for %s: %s: %v", e.Type, e.Name, e.Kind, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a ResolveError of kind k.
func IsKind(err error, k Kind) bool {
	var re *ResolveError
	return errors.As(err, &re) && re.Kind == k
}

func newResolveError(typ, name string, err error) *ResolveError {
	kind := LookupFailed
	var dnsErr *adns.DNSError
	switch {
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		kind = NoRecords
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		kind = Timeout
	}
	return &ResolveError{Kind: kind, Type: typ, Name: name, Err: err}
}
