// Package ledger records token spend after successful upstream calls and
// debits the family balance. Recording is best-effort: a ledger fault is
// logged, never surfaced to the caller whose request already succeeded.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjj9020/kinable-sub001/internal/router"
	"github.com/tjj9020/kinable-sub001/internal/store"
)

// LedgerStore is the slice of the record store the recorder needs.
type LedgerStore interface {
	AppendLedger(ctx context.Context, entry store.LedgerEntry) error
	DebitFamilyBalance(ctx context.Context, familyKey string, tokens int64) error
}

// Recorder appends ledger rows and debits balances.
type Recorder struct {
	store  LedgerStore
	logger *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(s LedgerStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger, nowFunc: time.Now}
}

// RecordSuccess appends an accounting row for a completed generation and
// debits the family's balance by the total tokens consumed.
func (r *Recorder) RecordSuccess(ctx context.Context, familyKey, requestID string, res *router.Result) {
	entry := store.LedgerEntry{
		RequestID:        requestID,
		FamilyKey:        familyKey,
		Provider:         res.Meta.Provider,
		Model:            res.Meta.Model,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		CostUSD:          res.CostUSD,
		Timestamp:        r.nowFunc().UTC(),
		Success:          true,
	}
	if err := r.store.AppendLedger(ctx, entry); err != nil {
		r.logger.Error("ledger append failed",
			"request_id", requestID, "family", familyKey, "error", err)
	}
	if res.Usage.TotalTokens > 0 {
		if err := r.store.DebitFamilyBalance(ctx, familyKey, int64(res.Usage.TotalTokens)); err != nil {
			r.logger.Error("balance debit failed",
				"request_id", requestID, "family", familyKey,
				"tokens", res.Usage.TotalTokens, "error", err)
		}
	}
}
