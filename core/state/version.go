package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobby-ai-dev/manna-protocol/storage"
)

// StateVersion identifies the on-disk layout of the CDP records. Increment it
// whenever a stored record changes shape.
const StateVersion uint32 = 1

var (
	stateVersionKey = []byte("state/version")
	// ErrStateVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
)

// SetStateVersion records the provided schema version. Callers should invoke
// this after performing any required migrations.
func (m *Manager) SetStateVersion(version uint32) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, version)
	return m.db.Put(stateVersionKey, buf)
}

// StateVersion returns the stored schema version and whether it was present.
func (m *Manager) StateVersion() (uint32, bool, error) {
	if m == nil || m.db == nil {
		return 0, false, fmt.Errorf("state: manager unavailable")
	}
	m.mu.RLock()
	raw, err := m.db.Get(stateVersionKey)
	m.mu.RUnlock()
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 4 {
		return 0, false, fmt.Errorf("state: malformed schema version (%d bytes)", len(raw))
	}
	return binary.BigEndian.Uint32(raw), true, nil
}

// EnsureStateVersion stamps an empty database with StateVersion and rejects
// databases written by a different layout. When allowMigrate is true,
// mismatches are tolerated so operators can perform manual migrations.
func (m *Manager) EnsureStateVersion(allowMigrate bool) error {
	version, ok, err := m.StateVersion()
	if err != nil {
		return err
	}
	if !ok {
		return m.SetStateVersion(StateVersion)
	}
	if version == StateVersion || allowMigrate {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
}
