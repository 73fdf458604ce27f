package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// UidLen is the byte length of an order uid: 32-byte order digest,
// 20-byte owner address, 4-byte big-endian validTo.
const UidLen = 56

// OrderUid identifies an order. It embeds the EIP-712 struct hash of the
// signed order parameters, the owner and the expiry, so the same
// parameters signed by the same owner always map to the same uid.
type OrderUid [UidLen]byte

// BuildUid assembles a uid from its three parts.
func BuildUid(digest common.Hash, owner common.Address, validTo uint32) OrderUid {
	var uid OrderUid
	copy(uid[0:32], digest[:])
	copy(uid[32:52], owner[:])
	binary.BigEndian.PutUint32(uid[52:56], validTo)
	return uid
}

// Digest returns the order digest encoded in the uid.
func (u OrderUid) Digest() common.Hash {
	return common.BytesToHash(u[0:32])
}

// Owner returns the owner address encoded in the uid.
func (u OrderUid) Owner() common.Address {
	return common.BytesToAddress(u[32:52])
}

// ValidTo returns the expiry timestamp encoded in the uid.
func (u OrderUid) ValidTo() uint32 {
	return binary.BigEndian.Uint32(u[52:56])
}

func (u OrderUid) Bytes() []byte {
	return u[:]
}

func (u OrderUid) String() string {
	return "0x" + hex.EncodeToString(u[:])
}

// ParseUid decodes a 0x-prefixed hex uid string.
func ParseUid(s string) (OrderUid, error) {
	var uid OrderUid
	raw := strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return uid, fmt.Errorf("domain: invalid uid hex: %w", err)
	}
	if len(b) != UidLen {
		return uid, fmt.Errorf("domain: uid must be %d bytes, got %d", UidLen, len(b))
	}
	copy(uid[:], b)
	return uid, nil
}

// UidFromBytes copies a raw 56-byte uid.
func UidFromBytes(b []byte) (OrderUid, error) {
	var uid OrderUid
	if len(b) != UidLen {
		return uid, fmt.Errorf("domain: uid must be %d bytes, got %d", UidLen, len(b))
	}
	copy(uid[:], b)
	return uid, nil
}

func (u OrderUid) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *OrderUid) UnmarshalText(text []byte) error {
	uid, err := ParseUid(string(text))
	if err != nil {
		return err
	}
	*u = uid
	return nil
}
