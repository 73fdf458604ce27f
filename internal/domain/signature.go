package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// SigningScheme names how an order signature must be interpreted during
// owner recovery.
type SigningScheme string

const (
	// SigningSchemeEip712 signs the typed-struct digest directly.
	SigningSchemeEip712 SigningScheme = "eip712"
	// SigningSchemeEthSign signs the personal-message wrap of the
	// typed-struct digest (what eth_sign produces).
	SigningSchemeEthSign SigningScheme = "ethsign"
)

// ValidSigningScheme reports whether s is a scheme this deployment accepts.
func ValidSigningScheme(s SigningScheme) bool {
	return s == SigningSchemeEip712 || s == SigningSchemeEthSign
}

// SignatureLen is r(32) + s(32) + v(1).
const SignatureLen = 65

// Signature is a 65-byte secp256k1 signature in r||s||v layout with v in
// {27, 28}.
type Signature [SignatureLen]byte

func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureLen {
		return sig, fmt.Errorf("domain: signature must be %d bytes, got %d", SignatureLen, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

func (s Signature) Bytes() []byte {
	return s[:]
}

func (s Signature) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	raw := strings.TrimPrefix(string(text), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("domain: invalid signature hex: %w", err)
	}
	sig, err := SignatureFromBytes(b)
	if err != nil {
		return err
	}
	*s = sig
	return nil
}
