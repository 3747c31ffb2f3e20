// Package account discovers and serves the configured credential sets.
// Each account is a <index>.json file in the accounts directory whose
// contents are opaque to the gateway and handed to the bridge verbatim.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var (
	// ErrNoAccounts is fatal at startup: the gateway cannot run
	// without at least one credential set.
	ErrNoAccounts = errors.New("account: no credentials available")

	// ErrNotFound is returned by Fetch for an index that is not in
	// the discovered set.
	ErrNotFound = errors.New("account: credential not found")
)

// Catalog holds the ordered set of available credential indices and
// fetches their payloads. The set refreshes when auth files are added
// or removed while Watch is running.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	indices []int
}

// NewCatalog scans dir for credential files and fails with
// ErrNoAccounts when none are found.
func NewCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{dir: dir, logger: logger}
	if err := c.rescan(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	n := len(c.indices)
	c.mu.RUnlock()
	if n == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoAccounts, dir)
	}
	return c, nil
}

// List returns the available credential indices in ascending order.
func (c *Catalog) List() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int, len(c.indices))
	copy(out, c.indices)
	return out
}

// Fetch reads the opaque credential payload for index. An index
// outside the discovered set fails with ErrNotFound; the caller is
// expected to abort the activation attempt.
func (c *Catalog) Fetch(index int) ([]byte, error) {
	c.mu.RLock()
	known := false
	for _, i := range c.indices {
		if i == index {
			known = true
			break
		}
	}
	c.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}

	data, err := os.ReadFile(filepath.Join(c.dir, fmt.Sprintf("%d.json", index)))
	if err != nil {
		return nil, fmt.Errorf("read credential %d: %w", index, err)
	}
	return data, nil
}

// Watch re-scans the directory whenever credential files change.
// It blocks until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.rescan(); err != nil {
				c.logger.Warn("account rescan failed", slog.String("error", err.Error()))
				continue
			}
			c.logger.Info("account catalog refreshed", slog.Any("indices", c.List()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("account watcher error", slog.String("error", err.Error()))
		}
	}
}

func (c *Catalog) rescan() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read accounts dir %s: %w", c.dir, err)
	}

	var indices []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil || index <= 0 {
			c.logger.Warn("skipping auth file with non-numeric name", slog.String("file", name))
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)

	c.mu.Lock()
	c.indices = indices
	c.mu.Unlock()
	return nil
}
