package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP response
// snapshots, grouped into named stores (one store per cache generation).
// A store exists from the moment it is opened until it is deleted as a
// whole; individual entries are only ever removed together with their store.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open ensures the store with the given name exists.
	// Opening an existing store is a no-op.
	Open(store string) error
	// Match returns the entry for the given key in the given store, if any.
	// The boolean indicates whether a matching entry was found.
	Match(store, key string) ([]byte, bool, error)
	// Put writes the entry for the given key into the given store,
	// creating the store if needed. An existing entry is overwritten.
	Put(store, key string, bytes []byte) error
	// Delete removes the whole store and every entry in it.
	// Deleting a nonexistent store is a no-op.
	Delete(store string) error
	// Stores returns the names of all existing stores.
	Stores() ([]string, error)
	// Keys calls the given callback for each key in the given store.
	Keys(store string, cb func(string))
}

// MemCache is an in-memory cache provider, mainly useful for testing.
type MemCache struct {
	mutex  *sync.RWMutex
	stores map[string]map[string][]byte
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]map[string][]byte),
	}
}

func (m MemCache) Open(store string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[store]; !ok {
		m.stores[store] = make(map[string][]byte)
	}
	return nil
}

func (m MemCache) Match(store, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries, ok := m.stores[store]
	if !ok {
		return nil, false, nil
	}
	entry, ok := entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry, true, nil
}

func (m MemCache) Put(store, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.stores[store]
	if !ok {
		entries = make(map[string][]byte)
		m.stores[store] = entries
	}
	entries[key] = bytes
	return nil
}

func (m MemCache) Delete(store string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.stores, store)
	return nil
}

func (m MemCache) Stores() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	return names, nil
}

func (m MemCache) Keys(store string, cb func(string)) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for key := range m.stores[store] {
		cb(key)
	}
}

// SQLiteCache is a persistent cache provider backed by SQLite.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) SQLiteCache {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS stores (
		name TEXT PRIMARY KEY,
		created_at INTEGER
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		store TEXT,
		key TEXT,
		stored_at INTEGER,
		bytes BLOB,
		PRIMARY KEY (store, key)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteCache) Open(store string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		store, time.Now().Unix())
	return err
}

func (s SQLiteCache) Match(store, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow(
		"SELECT bytes FROM entries WHERE store = ? AND key = ?",
		store, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(store, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		store, time.Now().Unix())
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO entries (store, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		store, key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteCache) Delete(store string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("DELETE FROM entries WHERE store = ?", store); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM stores WHERE name = ?", store)
	return err
}

func (s SQLiteCache) Stores() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Keys(store string, cb func(string)) {
	rows, err := s.db.Query("SELECT key FROM entries WHERE store = ?", store)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return
		}
		cb(key)
	}
}
