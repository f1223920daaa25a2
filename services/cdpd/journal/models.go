package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entry kinds.
const (
	KindRequest = "request"
	KindEvent   = "event"
)

// Entry statuses.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
)

// Entry is one link of the hash-chained operation journal.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq       uint64    `gorm:"uniqueIndex;not null"`
	Kind      string    `gorm:"index;not null"`
	Op        string    `gorm:"index"`
	Actor     string    `gorm:"index"`
	Vault     string    `gorm:"index"`
	Request   string
	Events    string
	Status    string `gorm:"index"`
	Error     string
	PrevHash  string `gorm:"size:64;not null"`
	Hash      string `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt time.Time
}

// TableName pins the table name independent of gorm's pluralisation.
func (Entry) TableName() string { return "journal_entries" }

// OracleSample stores an accepted oracle observation or aggregated median.
type OracleSample struct {
	ID         uint   `gorm:"primaryKey"`
	Source     string `gorm:"index"`
	Price      uint64 `gorm:"not null"`
	Median     bool   `gorm:"index"`
	ObservedAt time.Time
	RecordedAt time.Time `gorm:"index"`
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Entry{},
		&OracleSample{},
	)
}
