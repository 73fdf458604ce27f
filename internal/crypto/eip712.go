package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// Order(address sellToken,address buyToken,address receiver,uint256 sellAmount,uint256 buyAmount,uint32 validTo,bytes32 appData,uint256 feeAmount,string kind,bool partiallyFillable,string sellTokenBalance,string buyTokenBalance)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(address sellToken,address buyToken,address receiver,uint256 sellAmount,uint256 buyAmount,uint32 validTo,bytes32 appData,uint256 feeAmount,string kind,bool partiallyFillable,string sellTokenBalance,string buyTokenBalance)"),
	)

	// OrderCancellation(bytes orderUid)
	cancellationTypeHash = ethcrypto.Keccak256(
		[]byte("OrderCancellation(bytes orderUid)"),
	)

	// String enum members are encoded as the keccak256 of their name.
	kindSellHash        = ethcrypto.Keccak256([]byte("sell"))
	kindBuyHash         = ethcrypto.Keccak256([]byte("buy"))
	balanceErc20Hash    = ethcrypto.Keccak256([]byte("erc20"))
	balanceExternalHash = ethcrypto.Keccak256([]byte("external"))
	balanceInternalHash = ethcrypto.Keccak256([]byte("internal"))

	ethsignPrefix = []byte("\x19Ethereum Signed Message:\n32")
)

// Domain identifies the settlement contract deployment orders are signed
// against. Same name and version on a different chain or contract yields a
// different separator, so signatures cannot be replayed across deployments.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// Separator returns keccak256(abi.encode(typeHash, nameHash, versionHash,
// chainId, verifyingContract)).
func (d Domain) Separator() common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(d.Name)),
			ethcrypto.Keccak256([]byte(d.Version)),
			bigIntTo32Bytes(big.NewInt(d.ChainID)),
			common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
		),
	))
}

// OrderStructHash encodes and hashes the signed fields of an order
// according to EIP-712. Balance channels left empty hash as "erc20", the
// same default the API applies on ingestion.
func OrderStructHash(o *domain.OrderCreation) (common.Hash, error) {
	kindHash, err := orderKindHash(o.Kind)
	if err != nil {
		return common.Hash{}, err
	}
	sellBalanceHash, err := sellBalanceHash(o.SellTokenBalance)
	if err != nil {
		return common.Hash{}, err
	}
	buyBalanceHash, err := buyBalanceHash(o.BuyTokenBalance)
	if err != nil {
		return common.Hash{}, err
	}

	// A missing receiver is signed as the zero address and pays out to the
	// owner at settlement.
	var receiver common.Address
	if o.Receiver != nil {
		receiver = *o.Receiver
	}

	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			common.LeftPadBytes(o.SellToken.Bytes(), 32),
			common.LeftPadBytes(o.BuyToken.Bytes(), 32),
			common.LeftPadBytes(receiver.Bytes(), 32),
			amountTo32Bytes(o.SellAmount),
			amountTo32Bytes(o.BuyAmount),
			bigIntTo32Bytes(new(big.Int).SetUint64(uint64(o.ValidTo))),
			o.AppData.Bytes(),
			amountTo32Bytes(o.FeeAmount),
			kindHash,
			boolTo32Bytes(o.PartiallyFillable),
			sellBalanceHash,
			buyBalanceHash,
		),
	)), nil
}

// CancellationStructHash hashes the cancellation message for uid. The uid
// is a dynamic bytes field, so it enters the encoding as its keccak256.
func CancellationStructHash(uid domain.OrderUid) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes(
			cancellationTypeHash,
			ethcrypto.Keccak256(uid.Bytes()),
		),
	))
}

// Eip712Digest computes the final EIP-712 signing digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
//
// This digest also serves as the order digest embedded in the uid,
// independent of which scheme signed the order.
func Eip712Digest(separator, structHash common.Hash) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			separator.Bytes(),
			structHash.Bytes(),
		),
	))
}

// EthsignDigest wraps the EIP-712 digest in the eth_sign envelope:
//
//	keccak256("\x19Ethereum Signed Message:\n32" || eip712Digest)
//
// Wallets without typed-data support sign this instead.
func EthsignDigest(separator, structHash common.Hash) common.Hash {
	inner := Eip712Digest(separator, structHash)
	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes(ethsignPrefix, inner.Bytes()),
	))
}

// SigningDigest returns the digest a signer under the given scheme actually
// signed.
func SigningDigest(scheme domain.SigningScheme, separator, structHash common.Hash) (common.Hash, error) {
	switch scheme {
	case domain.SigningSchemeEip712:
		return Eip712Digest(separator, structHash), nil
	case domain.SigningSchemeEthSign:
		return EthsignDigest(separator, structHash), nil
	default:
		return common.Hash{}, fmt.Errorf("crypto: unknown signing scheme %q", scheme)
	}
}

// --------------------------------------------------------------------------
// Encoding helpers
// --------------------------------------------------------------------------

func orderKindHash(k domain.OrderKind) ([]byte, error) {
	switch k {
	case domain.OrderKindSell:
		return kindSellHash, nil
	case domain.OrderKindBuy:
		return kindBuyHash, nil
	default:
		return nil, fmt.Errorf("crypto: unknown order kind %q", k)
	}
}

func sellBalanceHash(s domain.SellTokenSource) ([]byte, error) {
	switch s {
	case domain.SellTokenSourceErc20, "":
		return balanceErc20Hash, nil
	case domain.SellTokenSourceExternal:
		return balanceExternalHash, nil
	case domain.SellTokenSourceInternal:
		return balanceInternalHash, nil
	default:
		return nil, fmt.Errorf("crypto: unknown sell token balance %q", s)
	}
}

func buyBalanceHash(d domain.BuyTokenDestination) ([]byte, error) {
	switch d {
	case domain.BuyTokenDestinationErc20, "":
		return balanceErc20Hash, nil
	case domain.BuyTokenDestinationInternal:
		return balanceInternalHash, nil
	default:
		return nil, fmt.Errorf("crypto: unknown buy token balance %q", d)
	}
}

// amountTo32Bytes returns the 32-byte big-endian word for an amount,
// treating nil as zero.
func amountTo32Bytes(u *domain.U256) []byte {
	if u == nil {
		return make([]byte, 32)
	}
	return bigIntTo32Bytes(u.Int())
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func boolTo32Bytes(b bool) []byte {
	word := make([]byte, 32)
	if b {
		word[31] = 1
	}
	return word
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
