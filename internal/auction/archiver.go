package auction

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// latestPointerName is the object updated on every archive so consumers
// can fetch the newest snapshot without listing.
const latestPointerName = "latest.json"

// S3Archiver writes published auction snapshots to object storage as
// gzipped JSON, one object per publication, plus an uncompressed
// latest.json pointer.
type S3Archiver struct {
	writer domain.BlobWriter
	prefix string
	logger *slog.Logger

	now func() time.Time
}

// NewS3Archiver builds an archiver writing under the given key prefix.
func NewS3Archiver(writer domain.BlobWriter, prefix string, logger *slog.Logger) *S3Archiver {
	return &S3Archiver{
		writer: writer,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

var _ Archiver = (*S3Archiver)(nil)

// Archive stores one snapshot. Object keys are date-partitioned so
// replay tooling can list a day at a time:
// <prefix>/<yyyy>/<mm>/<dd>/auction-<block>-<uuid>.json.gz
func (a *S3Archiver) Archive(ctx context.Context, snapshot *domain.Auction) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("auction: marshal snapshot: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("auction: compress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("auction: compress snapshot: %w", err)
	}

	now := a.now().UTC()
	key := fmt.Sprintf("%s/%04d/%02d/%02d/auction-%d-%s.json.gz",
		a.prefix, now.Year(), now.Month(), now.Day(), snapshot.Block, uuid.NewString())

	size := buf.Len()
	if err := a.writer.Put(ctx, key, &buf, "application/gzip"); err != nil {
		return fmt.Errorf("auction: upload snapshot: %w", err)
	}

	pointer, err := json.Marshal(map[string]any{
		"block":      snapshot.Block,
		"key":        key,
		"archivedAt": now,
	})
	if err != nil {
		return fmt.Errorf("auction: marshal latest pointer: %w", err)
	}
	pointerKey := a.prefix + "/" + latestPointerName
	if err := a.writer.Put(ctx, pointerKey, bytes.NewReader(pointer), "application/json"); err != nil {
		// The snapshot object is durable; a stale pointer only costs a
		// listing on the consumer side.
		a.logger.Warn("latest pointer update failed",
			slog.String("key", pointerKey),
			slog.String("error", err.Error()))
	}

	a.logger.Debug("auction archived",
		slog.Uint64("block", snapshot.Block),
		slog.String("key", key),
		slog.Int("bytes", size))
	return nil
}

// archivePointer is the latest.json shape.
type archivePointer struct {
	Block uint64 `json:"block"`
	Key   string `json:"key"`
}

// LoadLatest fetches the most recently archived snapshot by following
// the latest.json pointer. Returns domain.ErrNotFound when the archive
// is empty.
func LoadLatest(ctx context.Context, reader domain.BlobReader, prefix string) (*domain.Auction, error) {
	body, err := reader.Get(ctx, prefix+"/"+latestPointerName)
	if err != nil {
		return nil, fmt.Errorf("auction: read latest pointer: %w", err)
	}
	defer body.Close()

	var pointer archivePointer
	if err := json.NewDecoder(body).Decode(&pointer); err != nil {
		return nil, fmt.Errorf("auction: decode latest pointer: %w", err)
	}

	object, err := reader.Get(ctx, pointer.Key)
	if err != nil {
		return nil, fmt.Errorf("auction: read snapshot %s: %w", pointer.Key, err)
	}
	defer object.Close()

	gz, err := gzip.NewReader(object)
	if err != nil {
		return nil, fmt.Errorf("auction: decompress snapshot %s: %w", pointer.Key, err)
	}
	defer gz.Close()

	var snapshot domain.Auction
	if err := json.NewDecoder(gz).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("auction: decode snapshot %s: %w", pointer.Key, err)
	}
	return &snapshot, nil
}
