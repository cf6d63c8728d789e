package dns

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

var errTrailingDot = errors.New("trailing dot")

// ASCIIDomain canonicalizes a recipient domain for lookups. Unicode labels are
// converted to their A-label form and names are lower-cased.
func ASCIIDomain(s string) (string, error) {
	if strings.HasSuffix(s, ".") {
		return "", errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("to ascii: %w", err)
	}
	return ascii, nil
}
