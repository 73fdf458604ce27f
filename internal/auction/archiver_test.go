package auction

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// memBlobs is an in-memory object store implementing both blob
// interfaces.
type memBlobs struct {
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = raw
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	raw, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for path, raw := range m.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(raw))})
		}
	}
	return infos, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func archivedAuction(block uint64) *domain.Auction {
	owner := common.HexToAddress("0x4444444444444444444444444444444444444444")
	return &domain.Auction{
		Block:                 block,
		LatestSettlementBlock: block - 5,
		Orders: []*domain.Order{{
			Uid:        domain.BuildUid(common.HexToHash("0x01"), owner, 1900000000),
			Owner:      owner,
			SellAmount: domain.U256FromUint64(1000),
			BuyAmount:  domain.U256FromUint64(2000),
		}},
		Prices: map[common.Address]*domain.U256{
			owner: domain.U256FromUint64(123),
		},
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	blobs := newMemBlobs()
	archiver := NewS3Archiver(blobs, "auctions", slog.New(slog.DiscardHandler))
	archiver.now = func() time.Time { return time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC) }

	snapshot := archivedAuction(1200)
	require.NoError(t, archiver.Archive(context.Background(), snapshot))

	// One date-partitioned snapshot object plus the latest pointer.
	day, err := blobs.List(context.Background(), "auctions/2024/05/14/")
	require.NoError(t, err)
	require.Len(t, day, 1)
	require.Contains(t, day[0].Path, "auction-1200-")
	require.Contains(t, blobs.objects, "auctions/latest.json")

	got, err := LoadLatest(context.Background(), blobs, "auctions")
	require.NoError(t, err)
	require.Equal(t, snapshot.Block, got.Block)
	require.Equal(t, snapshot.LatestSettlementBlock, got.LatestSettlementBlock)
	require.Len(t, got.Orders, 1)
	require.Equal(t, snapshot.Orders[0].Uid, got.Orders[0].Uid)
	require.Equal(t, "1000", got.Orders[0].SellAmount.String())
}

func TestLoadLatestFollowsNewestPointer(t *testing.T) {
	blobs := newMemBlobs()
	archiver := NewS3Archiver(blobs, "auctions", slog.New(slog.DiscardHandler))

	require.NoError(t, archiver.Archive(context.Background(), archivedAuction(100)))
	require.NoError(t, archiver.Archive(context.Background(), archivedAuction(200)))

	got, err := LoadLatest(context.Background(), blobs, "auctions")
	require.NoError(t, err)
	require.Equal(t, uint64(200), got.Block)
}

func TestLoadLatestEmptyArchive(t *testing.T) {
	_, err := LoadLatest(context.Background(), newMemBlobs(), "auctions")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
