package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
	"github.com/bobby-ai-dev/manna-protocol/storage"
)

var errReadOnly = errors.New("state: write in read-only view")

// Manager persists the CDP records and token balances on a key/value
// database. It implements cdp.Store: Update calls are serialised, every
// write of a unit of work is committed in a single batch, and readers never
// observe a half-applied commit.
type Manager struct {
	db storage.Database
	mu sync.RWMutex
}

// NewManager creates a state manager over db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Update runs fn in a writable unit of work. Nothing is written when fn
// returns an error.
func (m *Manager) Update(ctx context.Context, fn func(cdp.StateTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newTx(m.db, false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn against committed state. Writes are rejected.
func (m *Manager) View(ctx context.Context, fn func(cdp.StateTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newTx(m.db, true))
}

// Close releases the underlying database.
func (m *Manager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// tx overlays uncommitted writes on top of the database.
type tx struct {
	db       storage.Database
	writes   map[string][]byte
	readOnly bool
}

func newTx(db storage.Database, readOnly bool) *tx {
	return &tx{db: db, writes: make(map[string][]byte), readOnly: readOnly}
}

func (t *tx) get(key []byte) ([]byte, bool, error) {
	if v, ok := t.writes[string(key)]; ok {
		return v, true, nil
	}
	v, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *tx) put(key, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	t.writes[string(key)] = value
	return nil
}

func (t *tx) getRLP(key []byte, out interface{}) (bool, error) {
	raw, ok, err := t.get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := decodeRLP(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %x: %w", key, err)
	}
	return true, nil
}

func decodeRLP(raw []byte, out interface{}) error {
	return rlp.DecodeBytes(raw, out)
}

func (t *tx) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return t.put(key, encoded)
}

// iterate visits every key under prefix, overlay included, in key order.
func (t *tx) iterate(prefix []byte, fn func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	if err := t.db.Iterate(prefix, func(k, v []byte) bool {
		merged[string(k)] = append([]byte(nil), v...)
		return true
	}); err != nil {
		return err
	}
	for k, v := range t.writes {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), merged[k]) {
			return nil
		}
	}
	return nil
}

func (t *tx) commit() error {
	if len(t.writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := t.db.NewBatch()
	for _, k := range keys {
		batch.Put([]byte(k), t.writes[k])
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}
