// Package store defines the persistence interface for the router: family and
// profile rows read during admission, config snapshots, provider health
// records behind the circuit breaker, the append-only token ledger, and the
// encrypted vault blob.
package store

import (
	"context"
	"fmt"
	"time"
)

// Store is the persistence contract. The health-record path must provide
// read-your-writes for a single key; writes are last-writer-wins.
type Store interface {
	// Admission reads.
	GetProfile(ctx context.Context, profileID, region string) (*Profile, error)
	GetFamily(ctx context.Context, familyID, region string) (*Family, error)

	// Balance accounting (best-effort debit after a successful call).
	DebitFamilyBalance(ctx context.Context, familyKey string, tokens int64) error

	// Config snapshots, stored as opaque JSON documents keyed by id.
	GetConfigSnapshot(ctx context.Context, id string) ([]byte, error)
	PutConfigSnapshot(ctx context.Context, id string, doc []byte) error

	// Provider health records keyed "<provider>#<region>". Reads treat
	// TTL-expired rows as absent; every write refreshes the TTL.
	GetHealthRecord(ctx context.Context, key string) (*HealthRecord, error)
	PutHealthRecord(ctx context.Context, rec HealthRecord) error
	ListHealthRecords(ctx context.Context) ([]HealthRecord, error)
	DeleteExpiredHealthRecords(ctx context.Context, now time.Time) (int64, error)

	// Token ledger, append-only.
	AppendLedger(ctx context.Context, entry LedgerEntry) error
	ListLedger(ctx context.Context, familyKey string, limit int) ([]LedgerEntry, error)

	// Vault persistence (encrypted credential blob + KDF salt).
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Schema lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// FamilyKey builds the partition key for a family row.
func FamilyKey(region, familyID string) string {
	return fmt.Sprintf("FAMILY#%s#%s", region, familyID)
}

// ProfileKey builds the partition key for a profile row.
func ProfileKey(region, profileID string) string {
	return fmt.Sprintf("PROFILE#%s#%s", region, profileID)
}

// HealthKey builds the composite provider-health key.
func HealthKey(provider, region string) string {
	return provider + "#" + region
}

// Family is the admission view of a family row.
type Family struct {
	FamilyID      string `json:"familyId"` // partition key, region-prefixed
	TokenBalance  int64  `json:"tokenBalance"`
	Paused        bool   `json:"pauseStatusFamily"`
	PrimaryRegion string `json:"primaryRegion"`
}

// Profile is the admission view of a profile row.
type Profile struct {
	ProfileID  string `json:"profileId"` // partition key, region-prefixed
	FamilyID   string `json:"familyId"`
	Role       string `json:"role"`
	Paused     bool   `json:"pauseStatusProfile"`
	UserRegion string `json:"userRegion"`
}

// CircuitStatus is the persisted circuit-breaker state.
type CircuitStatus string

const (
	StatusClosed   CircuitStatus = "CLOSED"
	StatusOpen     CircuitStatus = "OPEN"
	StatusHalfOpen CircuitStatus = "HALF_OPEN"
)

// HealthRecord is the per-(provider, region) circuit state. Mutated only by
// the breaker manager; never deleted explicitly (the TTL reaps it).
type HealthRecord struct {
	ProviderRegion           string        `json:"providerRegion"`
	Status                   CircuitStatus `json:"status"`
	ConsecutiveFailures      uint32        `json:"consecutiveFailures"`
	CurrentHalfOpenSuccesses uint32        `json:"currentHalfOpenSuccesses"`
	TotalFailures            uint64        `json:"totalFailures"`
	TotalSuccesses           uint64        `json:"totalSuccesses"`
	TotalLatencyMs           uint64        `json:"totalLatencyMs"`
	LastFailureAt            *time.Time    `json:"lastFailureTimestamp,omitempty"`
	OpenedAt                 *time.Time    `json:"openedTimestamp,omitempty"`
	LastStateChangeAt        time.Time     `json:"lastStateChangeTimestamp"`
	TTL                      int64         `json:"ttl"` // epoch seconds
}

// AvgLatencyMs returns the mean success latency, or 0 when unknown.
func (r HealthRecord) AvgLatencyMs() float64 {
	if r.TotalSuccesses == 0 {
		return 0
	}
	return float64(r.TotalLatencyMs) / float64(r.TotalSuccesses)
}

// Expired reports whether the record's TTL has passed.
func (r HealthRecord) Expired(now time.Time) bool {
	return r.TTL > 0 && now.Unix() >= r.TTL
}

// LedgerEntry is one append-only accounting row for a successful upstream
// call.
type LedgerEntry struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"requestId"`
	FamilyKey        string    `json:"familyId"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	CostUSD          float64   `json:"cost"`
	Timestamp        time.Time `json:"timestamp"`
	Success          bool      `json:"success"`
}
