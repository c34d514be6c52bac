package stops

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
)

// OrphanRecord is one SL order whose cleanup cancel failed. The journal
// survives restarts; a startup pass retries each cancel.
type OrphanRecord struct {
	SLOrderID string    `json:"sl_order_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	orphanMaxEntries = 200
	orphanTTL        = 7 * 24 * time.Hour
)

// OrphanJournal is a single-writer JSON file of orphaned SL orders.
type OrphanJournal struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

// NewOrphanJournal builds a journal at path.
func NewOrphanJournal(path string, logger zerolog.Logger) *OrphanJournal {
	return &OrphanJournal{
		path:   path,
		logger: logger.With().Str("component", "orphan_journal").Logger(),
	}
}

func (j *OrphanJournal) load() ([]OrphanRecord, error) {
	raw, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading orphan journal: %w", err)
	}
	var records []OrphanRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parsing orphan journal: %w", err)
	}
	return records, nil
}

func (j *OrphanJournal) store(records []OrphanRecord) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(j.path, raw, 0o644)
}

// Append records a failed SL cleanup. Expired and overflow entries are
// pruned: 7-day TTL, 200-entry cap dropping oldest.
func (j *OrphanJournal) Append(slOrderID, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, err := j.load()
	if err != nil {
		j.logger.Warn().Err(err).Msg("journal unreadable, starting fresh")
		records = nil
	}
	records = append(records, OrphanRecord{
		SLOrderID: slOrderID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	records = prune(records)
	if err := j.store(records); err != nil {
		return fmt.Errorf("writing orphan journal: %w", err)
	}
	j.logger.Warn().Str("sl_order_id", slOrderID).Str("reason", reason).Msg("orphan SL journaled")
	return nil
}

func prune(records []OrphanRecord) []OrphanRecord {
	cutoff := time.Now().Add(-orphanTTL)
	kept := records[:0]
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) > orphanMaxEntries {
		kept = kept[len(kept)-orphanMaxEntries:]
	}
	return kept
}

// Records returns the current journal contents.
func (j *OrphanJournal) Records() []OrphanRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	records, err := j.load()
	if err != nil {
		j.logger.Warn().Err(err).Msg("journal unreadable")
		return nil
	}
	return records
}

// Drain retries every journaled cancel. Successes and already-gone orders
// drop out of the file; the rest stay for the next pass. Runs before the
// monitoring loop starts.
func (j *OrphanJournal) Drain(ctx context.Context, client exchange.Client, pair string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, err := j.load()
	if err != nil {
		j.logger.Warn().Err(err).Msg("journal unreadable, skipping drain")
		return
	}
	if len(records) == 0 {
		return
	}

	var remaining []OrphanRecord
	for _, r := range records {
		err := client.CancelOrder(ctx, r.SLOrderID, pair)
		if err == nil || exchange.IsOrderNotFound(err) {
			j.logger.Info().Str("sl_order_id", r.SLOrderID).Msg("orphan SL resolved")
			continue
		}
		j.logger.Warn().Err(err).Str("sl_order_id", r.SLOrderID).Msg("orphan SL still uncancellable")
		remaining = append(remaining, r)
	}
	remaining = prune(remaining)
	if err := j.store(remaining); err != nil {
		j.logger.Error().Err(err).Msg("failed to rewrite orphan journal")
	}
}
