package crypto

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// Verifier recovers order and cancellation owners from signatures under a
// fixed signing domain. The domain separator is computed once at
// construction.
type Verifier struct {
	separator common.Hash
}

// NewVerifier builds a Verifier for the given signing domain.
func NewVerifier(d Domain) *Verifier {
	return &Verifier{separator: d.Separator()}
}

// Separator exposes the cached domain separator.
func (v *Verifier) Separator() common.Hash {
	return v.separator
}

// OrderDigest returns the EIP-712 digest of the order. The uid embeds this
// digest regardless of the scheme that signed the order, so eip712 and
// ethsign submissions of the same order collide on the same uid.
func (v *Verifier) OrderDigest(o *domain.OrderCreation) (common.Hash, error) {
	structHash, err := OrderStructHash(o)
	if err != nil {
		return common.Hash{}, err
	}
	return Eip712Digest(v.separator, structHash), nil
}

// RecoverOrderOwner returns the address that signed o under its declared
// scheme. Returns domain.ErrInvalidSignature when recovery fails.
func (v *Verifier) RecoverOrderOwner(o *domain.OrderCreation) (common.Address, error) {
	structHash, err := OrderStructHash(o)
	if err != nil {
		return common.Address{}, err
	}
	digest, err := SigningDigest(o.SigningScheme, v.separator, structHash)
	if err != nil {
		return common.Address{}, err
	}
	return recoverSigner(digest, o.Signature)
}

// RecoverCancellationOwner returns the address that signed the cancellation
// of uid under its declared scheme.
func (v *Verifier) RecoverCancellationOwner(uid domain.OrderUid, c *domain.OrderCancellation) (common.Address, error) {
	digest, err := SigningDigest(c.SigningScheme, v.separator, CancellationStructHash(uid))
	if err != nil {
		return common.Address{}, err
	}
	return recoverSigner(digest, c.Signature)
}

// recoverSigner runs ECDSA public key recovery on digest. The recovery id
// is normalized from the wallet convention (27/28) to the raw form (0/1)
// go-ethereum expects.
func recoverSigner(digest common.Hash, sig domain.Signature) (common.Address, error) {
	raw := make([]byte, domain.SignatureLen)
	copy(raw, sig[:])
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	if raw[64] > 1 {
		return common.Address{}, fmt.Errorf("crypto: recovery id %d out of range: %w", sig[64], domain.ErrInvalidSignature)
	}

	pub, err := ethcrypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recovering signer: %w", domain.ErrInvalidSignature)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
