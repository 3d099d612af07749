package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradekit/arbscan/internal/domain"
)

// archiveBatchSize caps how many rows one archive object carries.
const archiveBatchSize = 5000

// Archiver exports aged price history rows to blob storage as JSONL and
// prunes them from the primary store only after the upload succeeded. The
// database stays small while the full observation history remains queryable
// offline.
type Archiver struct {
	writer domain.BlobWriter
	prices domain.PriceHistoryStore
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver that exports rows older than maxAge.
func NewArchiver(writer domain.BlobWriter, prices domain.PriceHistoryStore, maxAge time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		prices: prices,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// ArchivePrices exports and prunes all price rows older than the retention
// cutoff, in batches. It returns the total number of rows archived.
func (a *Archiver) ArchivePrices(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.maxAge)
	total := 0

	for {
		quotes, err := a.prices.ListBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: list aged prices: %w", err)
		}
		if len(quotes) == 0 {
			break
		}

		key := a.objectKey(quotes[len(quotes)-1].ObservedAt)
		data, err := encodeJSONL(quotes)
		if err != nil {
			return total, fmt.Errorf("s3blob: encode archive batch: %w", err)
		}
		if err := a.writer.Put(ctx, key, data, "application/x-ndjson"); err != nil {
			return total, err
		}

		// Prune only what this batch covered: rows at or before the last
		// archived observation.
		pruneCutoff := quotes[len(quotes)-1].ObservedAt.Add(time.Nanosecond)
		deleted, err := a.prices.DeleteBefore(ctx, pruneCutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: prune archived prices: %w", err)
		}

		total += len(quotes)
		a.logger.Info("archived price batch",
			slog.String("key", key),
			slog.Int("rows", len(quotes)),
			slog.Int64("pruned", deleted),
		)

		if len(quotes) < archiveBatchSize {
			break
		}
	}

	return total, nil
}

// Run archives on a fixed interval until ctx is cancelled. Failures are
// logged and retried next interval; archival must never take the scanner
// down.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := a.ArchivePrices(ctx); err != nil {
				a.logger.Error("price archival failed",
					slog.Int("archived", n),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// objectKey lays archives out by observation date:
// prices/2026/09/01/prices-20260901T120000Z.jsonl
func (a *Archiver) objectKey(lastObserved time.Time) string {
	t := lastObserved.UTC()
	return fmt.Sprintf("prices/%04d/%02d/%02d/prices-%s.jsonl",
		t.Year(), t.Month(), t.Day(), t.Format("20060102T150405Z"))
}

// encodeJSONL renders one JSON object per line.
func encodeJSONL(quotes []domain.Quote) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, q := range quotes {
		if err := enc.Encode(q); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
