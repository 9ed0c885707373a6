package kvstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a database directory.
func OpenLevelDB(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfMissing: false})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &levelDB{db: db}, nil
}

// NewLevelDB wraps an arbitrary storage backend, e.g. storage.NewMemStorage().
func NewLevelDB(stor storage.Storage) (Store, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelDB{db: db}, nil
}

var syncWrite = &opt.WriteOptions{Sync: true}

func (l *levelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (l *levelDB) Put(key, value []byte) error {
	return l.db.Put(key, value, syncWrite)
}

func (l *levelDB) Delete(key []byte) error {
	return l.db.Delete(key, syncWrite)
}

func (l *levelDB) List(prefix []byte) ([]Entry, error) {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []Entry
	for iter.Next() {
		out = append(out, Entry{
			Key:   bytes.Clone(iter.Key()),
			Value: bytes.Clone(iter.Value()),
		})
	}
	return out, iter.Error()
}

func (l *levelDB) Close() error {
	return l.db.Close()
}
