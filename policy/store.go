package policy

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/semihalev/zlog/v2"
)

// Store holds the per-user blocked domain sets. Entries are replaced
// wholesale per user so readers never observe a half-updated set, and
// lookups are never stalled behind a directory walk.
type Store struct {
	mu sync.RWMutex

	users  map[string]map[string]struct{}
	mtimes map[string]time.Time

	dir string
}

// NewStore returns a new Store reading from dir.
func NewStore(dir string) *Store {
	return &Store{
		users:  make(map[string]map[string]struct{}),
		mtimes: make(map[string]time.Time),
		dir:    dir,
	}
}

// Blocked reports whether the user's set contains an exact,
// case-insensitive match for domain. Unknown users are never blocked.
func (s *Store) Blocked(user, domain string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.users[user]
	if !ok {
		return false
	}

	_, ok = set[strings.ToLower(domain)]

	return ok
}

// UserCount returns the number of loaded user entries.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.users)
}

// Load walks the blocklist directory and loads every regular file whose
// modification time changed since the last walk. The user id is the
// filename stem before the first dot. An unreadable file is logged and
// the user's prior entry is left untouched.
func (s *Store) Load() error {
	zlog.Info("Loading blocklist files", "path", s.dir)

	loaded := 0

	err := filepath.Walk(s.dir, func(path string, f os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if f.IsDir() {
			return nil
		}

		s.mu.RLock()
		seen, ok := s.mtimes[path]
		s.mu.RUnlock()

		if ok && seen.Equal(f.ModTime()) {
			return nil
		}

		user, _, _ := strings.Cut(filepath.Base(path), ".")

		set, err := readDomains(path)
		if err != nil {
			zlog.Error("Blocklist file read failed", "path", path, "error", err.Error())
			return nil
		}

		s.mu.Lock()
		s.users[user] = set
		s.mtimes[path] = f.ModTime()
		s.mu.Unlock()

		loaded++

		return nil
	})
	if err != nil {
		return err
	}

	zlog.Info("Blocklist files loaded", "files", loaded, "users", s.UserCount())

	return nil
}

// readDomains builds a user's set outside any lock.
func readDomains(path string) (map[string]struct{}, error) {
	file, err := os.Open(filepath.FromSlash(path))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	set := make(map[string]struct{})

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		set[strings.ToLower(line)] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return set, nil
}
