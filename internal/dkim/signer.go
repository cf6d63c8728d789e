package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"github.com/pawciobiel/golubrelay/internal/config"
)

// Signer adds a DKIM-Signature header to outgoing messages. A nil *Signer
// passes messages through unchanged.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// New creates a signer from configuration. It returns nil, nil when DKIM is
// not configured. The key comes from cfg.PrivateKey (PEM) or cfg.KeyPath.
func New(cfg *config.DKIMConfig) (*Signer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if cfg.Selector == "" {
		return nil, fmt.Errorf("dkim: selector is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case cfg.PrivateKey != "":
		pemData = []byte(cfg.PrivateKey)
	case cfg.KeyPath != "":
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, fmt.Errorf("dkim: provide key_path or %s", config.EnvDKIMPrivateKey)
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &Signer{
		domain:   strings.ToLower(cfg.Domain),
		selector: cfg.Selector,
		key:      key,
		headerKeys: []string{
			"from",
			"to",
			"subject",
			"date",
			"mime-version",
			"content-type",
			"message-id",
		},
	}, nil
}

// Sign returns message with a DKIM signature for the sender's domain, or the
// configured domain when one is set. Messages that already carry a
// DKIM-Signature header are returned untouched.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}
	if hasSignature(message) {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		domain = extractDomain(from)
	}
	if domain == "" {
		return nil, fmt.Errorf("dkim: unable to determine signing domain")
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(normalizeLineEndings(message)), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, fmt.Errorf("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, fmt.Errorf("no private key found in PEM data")
}

func extractDomain(address string) string {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return strings.ToLower(address[i+1:])
	}
	return ""
}

func hasSignature(message []byte) bool {
	upper := bytes.ToUpper(message)
	return bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:")) || bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:"))
}

func normalizeLineEndings(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
