package snapshotstore

import (
	"os"

	"github.com/naoina/toml"
)

// StoreConfig configures a SnapshotStore. The zero value is not valid on its
// own (Root must be set); DefaultStoreConfig fills in sane defaults for
// everything else.
type StoreConfig struct {
	// Root is the partition directory that snapshots/ and pending/ are
	// created under.
	Root string

	// TaskQueueSize bounds how many store-mutating operations may be
	// queued on the executor before submit blocks the caller.
	TaskQueueSize int

	// ChecksumConcurrency bounds how many files are hashed in parallel
	// while computing a snapshot's checksum.
	ChecksumConcurrency int
}

// DefaultStoreConfig returns a StoreConfig rooted at root with the defaults
// used throughout this package's tests.
func DefaultStoreConfig(root string) StoreConfig {
	return StoreConfig{
		Root:                root,
		TaskQueueSize:       64,
		ChecksumConcurrency: 4,
	}
}

// LoadStoreConfig reads a TOML config file the same way go-ethereum decodes
// its node configuration: a plain struct literal, no bespoke parsing.
func LoadStoreConfig(path string) (*StoreConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := DefaultStoreConfig("")
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
