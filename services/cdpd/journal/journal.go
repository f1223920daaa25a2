package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"github.com/bobby-ai-dev/manna-protocol/core/events"
	"github.com/bobby-ai-dev/manna-protocol/core/types"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/oracle"
)

var (
	// ErrChainBroken is returned by VerifyChain when a stored entry does not
	// match its recomputed hash or does not link to its predecessor.
	ErrChainBroken = errors.New("journal: hash chain broken")
	// ErrUnknownDriver is returned by Open for unsupported drivers.
	ErrUnknownDriver = errors.New("journal: unknown driver")
)

// genesisHash is the PrevHash of the first entry.
var genesisHash = strings.Repeat("0", 64)

// Record is the caller-supplied content of a new entry.
type Record struct {
	Kind    string
	Op      string
	Actor   string
	Vault   string
	Request json.RawMessage
	Events  []*types.Event
	Status  string
	Error   string
}

// Journal appends hash-chained entries to a gorm database. Appends are
// serialised within the process.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seq  uint64
	head string
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = l
	}
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// Open connects to the journal database using the named driver ("sqlite" or
// "postgres") and migrates the schema.
func Open(driver, dsn string, opts ...Option) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	j, err := New(db, opts...)
	if err != nil {
		if sqlDB, sqlErr := db.DB(); sqlErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return j, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, opts ...Option) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: slog.Default(), now: time.Now, head: genesisHash}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	var last Entry
	err := db.Order("seq DESC").Limit(1).Take(&last).Error
	switch {
	case err == nil:
		j.seq, j.head = last.Seq, last.Hash
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("journal: load head: %w", err)
	}
	return j, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Head returns the sequence number and hash of the latest entry.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.head
}

// Append links rec to the chain and persists it.
func (j *Journal) Append(ctx context.Context, rec Record) (*Entry, error) {
	if j == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	if rec.Kind == "" {
		rec.Kind = KindRequest
	}
	if rec.Status == "" {
		rec.Status = StatusOK
	}
	eventsJSON := ""
	if len(rec.Events) > 0 {
		raw, err := json.Marshal(rec.Events)
		if err != nil {
			return nil, fmt.Errorf("journal: encode events: %w", err)
		}
		eventsJSON = string(raw)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	entry := &Entry{
		ID:        uuid.New(),
		Seq:       j.seq + 1,
		Kind:      rec.Kind,
		Op:        rec.Op,
		Actor:     rec.Actor,
		Vault:     rec.Vault,
		Request:   string(rec.Request),
		Events:    eventsJSON,
		Status:    rec.Status,
		Error:     rec.Error,
		PrevHash:  j.head,
		CreatedAt: j.now().UTC().Truncate(time.Microsecond),
	}
	entry.Hash = entryHash(entry)
	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("journal: append: %w", err)
	}
	j.seq, j.head = entry.Seq, entry.Hash
	return entry, nil
}

// Emit records a committed engine event. It satisfies events.Emitter so the
// journal can sit behind the engine's fan-out emitter.
func (j *Journal) Emit(evt events.Event) {
	flat := events.Flatten(evt)
	if j == nil || flat == nil {
		return
	}
	rec := Record{
		Kind:   KindEvent,
		Op:     flat.Type,
		Vault:  flat.Attr("owner"),
		Events: []*types.Event{flat.Clone()},
		Status: StatusOK,
	}
	if _, err := j.Append(context.Background(), rec); err != nil {
		j.logger.Error("cdpd: journal event", slog.String("type", flat.Type), slog.Any("error", err))
	}
}

// RecordSample persists an oracle observation. It satisfies oracle.Recorder.
func (j *Journal) RecordSample(ctx context.Context, source string, sample oracle.Sample, median bool) error {
	if j == nil {
		return fmt.Errorf("journal not configured")
	}
	row := &OracleSample{
		Source:     strings.ToLower(strings.TrimSpace(source)),
		Price:      uint64(sample.Price),
		Median:     median,
		ObservedAt: sample.Timestamp.UTC(),
		RecordedAt: j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("journal: insert sample: %w", err)
	}
	return nil
}

// LatestMedian returns the most recently recorded oracle median.
func (j *Journal) LatestMedian(ctx context.Context) (*OracleSample, error) {
	var row OracleSample
	err := j.db.WithContext(ctx).Where("median = ?", true).Order("id DESC").Limit(1).Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Entries returns up to limit entries with Seq greater than after, in order.
func (j *Journal) Entries(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Entry
	err := j.db.WithContext(ctx).Where("seq > ?", after).Order("seq ASC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list entries: %w", err)
	}
	return out, nil
}

const verifyBatch = 500

// VerifyChain walks every entry and checks that each hash matches its
// contents and links to the previous entry. It returns the number of entries
// checked.
func (j *Journal) VerifyChain(ctx context.Context) (int, error) {
	prev := genesisHash
	var (
		after   uint64
		checked int
	)
	for {
		batch, err := j.Entries(ctx, after, verifyBatch)
		if err != nil {
			return checked, err
		}
		for i := range batch {
			entry := &batch[i]
			if entry.Seq != after+1 {
				return checked, fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, after+1, entry.Seq)
			}
			if entry.PrevHash != prev {
				return checked, fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, entry.Seq)
			}
			if got := entryHash(entry); got != entry.Hash {
				return checked, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, entry.Seq)
			}
			prev = entry.Hash
			after = entry.Seq
			checked++
		}
		if len(batch) < verifyBatch {
			return checked, nil
		}
	}
}

// entryHash computes blake3(prev || canonical entry). Each variable-length
// field is length prefixed so distinct entries cannot share an encoding.
func entryHash(e *Entry) string {
	prev, err := hex.DecodeString(e.PrevHash)
	if err != nil {
		prev = []byte(e.PrevHash)
	}
	buf := make([]byte, 0, 256+len(e.Request)+len(e.Events))
	buf = append(buf, prev...)
	buf = binary.BigEndian.AppendUint64(buf, e.Seq)
	for _, field := range []string{e.ID.String(), e.Kind, e.Op, e.Actor, e.Vault, e.Request, e.Events, e.Status, e.Error} {
		buf = binary.AppendUvarint(buf, uint64(len(field)))
		buf = append(buf, field...)
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.CreatedAt.UTC().UnixMicro()))
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
