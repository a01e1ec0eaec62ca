package modelrouter

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LedgerEntry is one cost-ledger row: per-call records (job_id, stage,
// model_id, prompt_tokens, completion_tokens, usd) for post-hoc audit.
type LedgerEntry struct {
	ID               uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID            uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`
	Stage            int       `gorm:"column:stage;not null;index" json:"stage"`
	ModelID          string    `gorm:"column:model_id;not null" json:"model_id"`
	Provider         string    `gorm:"column:provider;not null" json:"provider"`
	PromptTokens     int       `gorm:"column:prompt_tokens;not null" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"column:completion_tokens;not null" json:"completion_tokens"`
	USDCost          float64   `gorm:"column:usd_cost;not null" json:"usd_cost"`
	CreatedAt        time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "narraforge_cost_ledger" }

// LedgerStore persists cost ledger rows and answers cumulative-spend
// queries. The gorm-backed implementation is in gorm_ledger.go and is
// wired in by internal/app; this interface keeps the router testable
// without a database.
type LedgerStore interface {
	Record(entry LedgerEntry) error
	CumulativeUSD(jobID uuid.UUID) (float64, error)
}

// inMemoryLedger is used by tests and by callers that don't need durable
// audit (New's default when Config.Ledger is nil). Locked because a stage's worker
// pool records entries concurrently.
type inMemoryLedger struct {
	mu      sync.Mutex
	entries []LedgerEntry
}

func NewInMemoryLedger() LedgerStore { return &inMemoryLedger{} }

func (l *inMemoryLedger) Record(entry LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *inMemoryLedger) CumulativeUSD(jobID uuid.UUID) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, e := range l.entries {
		if e.JobID == jobID {
			total += e.USDCost
		}
	}
	return total, nil
}
