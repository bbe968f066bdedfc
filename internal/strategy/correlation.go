package strategy

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"
)

// CorrelationPair maps one follower symbol to the leader it historically
// trails. Pairs come from a periodically retrained table; the engine consumes
// them read-only.
type CorrelationPair struct {
	Leader   string  `toml:"leader"`
	Follower string  `toml:"follower"`
	// Strength is the historical correlation in [0,1], used to weight
	// confidence.
	Strength float64 `toml:"strength"`
}

// correlationFile is the TOML document shape.
type correlationFile struct {
	Pairs []CorrelationPair `toml:"pairs"`
}

// CorrelationTable holds the leader-to-follower mapping and supports atomic
// reload so a retrained table can be swapped in without a restart.
type CorrelationTable struct {
	mu         sync.RWMutex
	byFollower map[string]CorrelationPair
}

// NewCorrelationTable returns an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{byFollower: map[string]CorrelationPair{}}
}

// LoadCorrelationTable reads a TOML pair file from disk.
func LoadCorrelationTable(path string) (*CorrelationTable, error) {
	t := NewCorrelationTable()
	if err := t.Reload(path); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload replaces the table contents from the TOML file at path. On error the
// previous contents are kept.
func (t *CorrelationTable) Reload(path string) error {
	var doc correlationFile
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return fmt.Errorf("correlation: decode %s: %w", path, err)
	}

	byFollower := make(map[string]CorrelationPair, len(doc.Pairs))
	for _, p := range doc.Pairs {
		if p.Leader == "" || p.Follower == "" {
			return fmt.Errorf("correlation: pair with empty leader or follower in %s", path)
		}
		byFollower[p.Follower] = p
	}

	t.mu.Lock()
	t.byFollower = byFollower
	t.mu.Unlock()
	return nil
}

// Replace swaps the table contents in one step. Used by tests and by dynamic
// retraining feeds.
func (t *CorrelationTable) Replace(pairs []CorrelationPair) {
	byFollower := make(map[string]CorrelationPair, len(pairs))
	for _, p := range pairs {
		byFollower[p.Follower] = p
	}
	t.mu.Lock()
	t.byFollower = byFollower
	t.mu.Unlock()
}

// LeaderOf returns the pair for the given follower symbol, if any.
func (t *CorrelationTable) LeaderOf(follower string) (CorrelationPair, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byFollower[follower]
	return p, ok
}

// Len returns the number of pairs in the table.
func (t *CorrelationTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byFollower)
}
