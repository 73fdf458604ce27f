package domain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUidRoundTrip(t *testing.T) {
	digest := common.HexToHash("0x0101010101010101010101010101010101010101010101010101010101010101")
	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")
	validTo := uint32(0xdeadbeef)

	uid := BuildUid(digest, owner, validTo)

	assert.Equal(t, digest, uid.Digest())
	assert.Equal(t, owner, uid.Owner())
	assert.Equal(t, validTo, uid.ValidTo())
	// validTo is big-endian in the trailing four bytes.
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, uid[52:56])
}

func TestParseUid(t *testing.T) {
	digest := common.HexToHash("0xaa")
	owner := common.HexToAddress("0xbb")
	uid := BuildUid(digest, owner, 7)

	parsed, err := ParseUid(uid.String())
	require.NoError(t, err)
	assert.Equal(t, uid, parsed)

	_, err = ParseUid("0x1234")
	assert.Error(t, err)

	_, err = ParseUid("0xzz" + uid.String()[4:])
	assert.Error(t, err)
}

func TestUidText(t *testing.T) {
	uid := BuildUid(common.Hash{0x01}, common.Address{0x02}, 3)

	text, err := uid.MarshalText()
	require.NoError(t, err)

	var back OrderUid
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, uid, back)
}
