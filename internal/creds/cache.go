package creds

import (
	"fmt"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

const keyringService = "annoflow-git"

// PasswordCache holds HTTPS passwords for the lifetime of the
// credential cache window. Entries are kept in memory and, when the
// host provides one, mirrored into the OS keyring so a restarted
// process within the window can still push.
type PasswordCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	entries    map[int]passwordEntry
	useKeyring bool
	now        func() time.Time
}

type passwordEntry struct {
	password  string
	expiresAt time.Time
}

func NewPasswordCache(ttl time.Duration, useKeyring bool) *PasswordCache {
	return &PasswordCache{
		ttl:        ttl,
		entries:    map[int]passwordEntry{},
		useKeyring: useKeyring,
		now:        time.Now,
	}
}

func keyringUser(repositoryID int) string {
	return fmt.Sprintf("repository-%d", repositoryID)
}

// Set stores the password for a repository. Keyring failures are
// ignored; the in-memory entry is authoritative.
func (c *PasswordCache) Set(repositoryID int, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[repositoryID] = passwordEntry{
		password:  password,
		expiresAt: c.now().Add(c.ttl),
	}
	if c.useKeyring {
		_ = keyring.Set(keyringService, keyringUser(repositoryID), password)
	}
}

// Get returns the cached password and whether a live entry exists.
func (c *PasswordCache) Get(repositoryID int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[repositoryID]
	if ok && c.now().Before(entry.expiresAt) {
		return entry.password, true
	}
	if ok {
		delete(c.entries, repositoryID)
		if c.useKeyring {
			_ = keyring.Delete(keyringService, keyringUser(repositoryID))
		}
		return "", false
	}

	if c.useKeyring {
		if password, err := keyring.Get(keyringService, keyringUser(repositoryID)); err == nil {
			c.entries[repositoryID] = passwordEntry{password: password, expiresAt: c.now().Add(c.ttl)}
			return password, true
		}
	}
	return "", false
}

// Delete drops the cached password for a repository.
func (c *PasswordCache) Delete(repositoryID int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, repositoryID)
	if c.useKeyring {
		_ = keyring.Delete(keyringService, keyringUser(repositoryID))
	}
}
