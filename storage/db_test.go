package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	require.NoError(t, err)
	bolt, err := NewBoltDB(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		level.Close()
		bolt.Close()
	})
	return map[string]Database{
		"memory":  NewMemDB(),
		"leveldb": level,
		"bolt":    bolt,
	}
}

func TestDatabaseBasics(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, db.Put([]byte("k"), []byte("v1")))
			got, err := db.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), got)

			require.NoError(t, db.Delete([]byte("k")))
			_, err = db.Get([]byte("k"))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBatchIsAtomicAndOrdered(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("cdp/vault/b"), []byte("old")))

			batch := db.NewBatch()
			batch.Put([]byte("cdp/vault/a"), []byte("1"))
			batch.Put([]byte("cdp/vault/c"), []byte("3"))
			batch.Delete([]byte("cdp/vault/b"))
			batch.Put([]byte("cdp/ledger"), []byte("L"))
			require.Equal(t, 4, batch.Len())

			_, err := db.Get([]byte("cdp/vault/a"))
			require.ErrorIs(t, err, ErrNotFound, "batch must not be visible before Write")

			require.NoError(t, batch.Write())

			var keys []string
			require.NoError(t, db.Iterate([]byte("cdp/vault/"), func(k, v []byte) bool {
				keys = append(keys, string(k))
				return true
			}))
			require.Equal(t, []string{"cdp/vault/a", "cdp/vault/c"}, keys)
		})
	}
}

func TestIterateStopsEarly(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"p/1", "p/2", "p/3", "q/1"} {
				require.NoError(t, db.Put([]byte(k), []byte(k)))
			}
			count := 0
			require.NoError(t, db.Iterate([]byte("p/"), func(k, v []byte) bool {
				count++
				return count < 2
			}))
			require.Equal(t, 2, count)
		})
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'z'
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}
