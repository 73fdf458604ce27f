package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// Signer produces order and cancellation signatures for a single key under
// a fixed signing domain. The service itself never signs; this exists for
// integration tooling and tests that need valid user signatures.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	separator  common.Hash
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string, d Domain) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		separator:  d.Separator(),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder fills in the Signature field of o using the scheme already set
// on the creation payload.
func (s *Signer) SignOrder(o *domain.OrderCreation) error {
	structHash, err := OrderStructHash(o)
	if err != nil {
		return err
	}
	digest, err := SigningDigest(o.SigningScheme, s.separator, structHash)
	if err != nil {
		return err
	}
	sig, err := s.signDigest(digest)
	if err != nil {
		return err
	}
	o.Signature = sig
	return nil
}

// SignCancellation returns a signed cancellation for uid.
func (s *Signer) SignCancellation(uid domain.OrderUid, scheme domain.SigningScheme) (domain.OrderCancellation, error) {
	digest, err := SigningDigest(scheme, s.separator, CancellationStructHash(uid))
	if err != nil {
		return domain.OrderCancellation{}, err
	}
	sig, err := s.signDigest(digest)
	if err != nil {
		return domain.OrderCancellation{}, err
	}
	return domain.OrderCancellation{Signature: sig, SigningScheme: scheme}, nil
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// r || s || v signature with v in {27, 28}.
func (s *Signer) signDigest(digest common.Hash) (domain.Signature, error) {
	raw, err := ethcrypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return domain.Signature{}, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wallets use v in {27,28}.
	if raw[64] < 27 {
		raw[64] += 27
	}

	return domain.SignatureFromBytes(raw)
}
