package modelrouter

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormLedger is the production LedgerStore, backed by the
// narraforge_cost_ledger table, one row per completed router call.
type gormLedger struct {
	db *gorm.DB
}

// NewGormLedger returns a LedgerStore that persists every call for
// post-hoc audit instead of holding entries only in memory.
func NewGormLedger(db *gorm.DB) LedgerStore {
	return &gormLedger{db: db}
}

func (l *gormLedger) Record(entry LedgerEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return l.db.Create(&entry).Error
}

func (l *gormLedger) CumulativeUSD(jobID uuid.UUID) (float64, error) {
	var total float64
	err := l.db.Model(&LedgerEntry{}).
		Where("job_id = ?", jobID).
		Select("COALESCE(SUM(usd_cost), 0)").
		Scan(&total).Error
	return total, err
}
