package hybrid

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var ErrNoPrivateKey = errors.New("no RSA private key found")

// LoadPrivateKey reads the instance private key from a PEM file. Both
// PKCS#8 (PRIVATE KEY) and PKCS#1 (RSA PRIVATE KEY) blocks are
// accepted, the first RSA key in the file wins.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNoPrivateKey)
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing pkcs1 key: %w", err)
			}
			return key, nil
		case "PRIVATE KEY":
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing pkcs8 key: %w", err)
			}
			if key, ok := parsed.(*rsa.PrivateKey); ok {
				return key, nil
			}
			// non-RSA pkcs8 key, keep looking
		}
	}
}
