package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func TestMemory(t *testing.T) {
	runStoreSuite(t, func() Store { return NewMemory() })
}

func TestLevelDB(t *testing.T) {
	runStoreSuite(t, func() Store {
		db, err := NewLevelDB(storage.NewMemStorage())
		require.NoError(t, err)
		return db
	})
}

func TestLevelDBFile(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	reopened, err := OpenLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func runStoreSuite(t *testing.T, newStore func() Store) {
	t.Run("GetMissing", func(t *testing.T) {
		db := newStore()
		defer db.Close()

		_, err := db.Get([]byte("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		db := newStore()
		defer db.Close()

		require.NoError(t, db.Put([]byte("a"), []byte("1")))
		require.NoError(t, db.Put([]byte("a"), []byte("2")))

		value, err := db.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), value)

		require.NoError(t, db.Delete([]byte("a")))
		_, err = db.Get([]byte("a"))
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, db.Delete([]byte("never-existed")))
	})

	t.Run("ValuesAreCopied", func(t *testing.T) {
		db := newStore()
		defer db.Close()

		in := []byte("abc")
		require.NoError(t, db.Put([]byte("k"), in))
		in[0] = 'z'

		value, err := db.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), value)
	})

	t.Run("ListPrefixOrdered", func(t *testing.T) {
		db := newStore()
		defer db.Close()

		for _, k := range []string{"note/b", "note/a", "acct/x", "note/c"} {
			require.NoError(t, db.Put([]byte(k), []byte(k)))
		}

		entries, err := db.List([]byte("note/"))
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "note/a", string(entries[0].Key))
		assert.Equal(t, "note/b", string(entries[1].Key))
		assert.Equal(t, "note/c", string(entries[2].Key))

		all, err := db.List(nil)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}
