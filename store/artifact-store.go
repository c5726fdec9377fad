package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Info describes a stored artifact.
type Info struct {
	Size    int64
	ModTime time.Time
}

// ArtifactStore is the gateway's view of the cache storage area. The
// storage is populated and invalidated by an external process; from
// here it is read-only. A missing artifact is not an error, merely a
// cache miss. Artifact publication is assumed atomic, so existence of
// a key implies a complete artifact.
//
// Implementations must be safe for concurrent use.
type ArtifactStore interface {
	// Exists reports whether an artifact is stored under the key.
	Exists(key string) (bool, error)
	// Open returns the artifact body and metadata for the key.
	Open(key string) (io.ReadCloser, Info, error)
}

// ErrNotExist is returned by Open for keys with no stored artifact.
var ErrNotExist = fmt.Errorf("artifact does not exist")

// FSStore serves artifacts from a directory tree under Root. Keys are
// slash-separated relative paths; lookups never escape the root.
type FSStore struct {
	Root string
}

func NewFSStore(root string) FSStore {
	return FSStore{Root: root}
}

// resolve turns a key into an absolute path confined to the root.
func (s FSStore) resolve(key string) (string, error) {
	full := filepath.Join(s.Root, filepath.FromSlash(key))
	root := filepath.Clean(s.Root)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes store root", key)
	}
	return full, nil
}

func (s FSStore) Exists(key string) (bool, error) {
	full, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

func (s FSStore) Open(key string) (io.ReadCloser, Info, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, Info{}, ErrNotExist
	}
	if err != nil {
		return nil, Info{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, Info{}, ErrNotExist
	}
	return f, Info{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

type memArtifact struct {
	modTime time.Time
	body    []byte
}

// MemStore keeps artifacts in memory. It is used in tests and as a
// stand-in for the external cache populator.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]memArtifact
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memArtifact),
	}
}

// Put stores an artifact. It plays the role of the external cache
// population process.
func (m MemStore) Put(key string, body []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memArtifact{modTime: time.Now(), body: body}
}

// Purge removes the artifact for the key.
func (m MemStore) Purge(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
}

func (m MemStore) Exists(key string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[key]
	return ok, nil
}

func (m MemStore) Open(key string) (io.ReadCloser, Info, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	a, ok := m.db[key]
	if !ok {
		return nil, Info{}, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(a.body)), Info{Size: int64(len(a.body)), ModTime: a.modTime}, nil
}

// SQLiteStore keeps the artifact cache in a single database file
// instead of a directory tree.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(filename string) (SQLiteStore, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, err
	}
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS artifacts (key TEXT PRIMARY KEY, mtime INTEGER, body BLOB)")
	if err != nil {
		return SQLiteStore{}, err
	}
	return SQLiteStore{db: db}, nil
}

// Put stores an artifact, replacing any previous one for the key.
func (s SQLiteStore) Put(key string, body []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO artifacts (key, mtime, body) VALUES (?, ?, ?)",
		key, time.Now().Unix(), body)
	return err
}

// Purge removes the artifact for the key.
func (s SQLiteStore) Purge(key string) error {
	_, err := s.db.Exec("DELETE FROM artifacts WHERE key = ?", key)
	return err
}

func (s SQLiteStore) Exists(key string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM artifacts WHERE key = ?", key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s SQLiteStore) Open(key string) (io.ReadCloser, Info, error) {
	var mtime int64
	var body []byte
	err := s.db.QueryRow("SELECT mtime, body FROM artifacts WHERE key = ?", key).Scan(&mtime, &body)
	if err == sql.ErrNoRows {
		return nil, Info{}, ErrNotExist
	}
	if err != nil {
		return nil, Info{}, err
	}
	return io.NopCloser(bytes.NewReader(body)), Info{Size: int64(len(body)), ModTime: time.Unix(mtime, 0)}, nil
}
