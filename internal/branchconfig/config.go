// Package branchconfig resolves branchfs's tunables from compiled-in
// defaults, an optional on-disk branchfs.toml, and CLI flag overrides,
// in that increasing order of precedence.
package branchconfig

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Options holds every tunable spec.md §6's CLI surface exposes, tagged
// for round-tripping through branchfs.toml.
type Options struct {
	CacheSizeGB  int64         `toml:"cache_size_gb"`
	SyncInterval time.Duration `toml:"sync_interval"`
	Workers      int           `toml:"workers"`
	BaseDir      string        `toml:"base_dir"`
	ControlPort  int           `toml:"control_port"`
}

// CacheCapacityBytes converts CacheSizeGB into the byte capacity
// vfs.Options expects.
func (o Options) CacheCapacityBytes() int64 {
	return o.CacheSizeGB << 30
}

// Defaults returns the compiled-in baseline, the lowest-precedence
// layer in the merge order.
func Defaults() Options {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Options{
		CacheSizeGB:  10,
		SyncInterval: 5 * time.Minute,
		Workers:      5,
		BaseDir:      filepath.Join(home, ".branchfs"),
		ControlPort:  5572,
	}
}

// ConfigPath returns the path to branchfs.toml beneath baseDir.
func ConfigPath(baseDir string) string {
	return filepath.Join(baseDir, "branchfs.toml")
}

// LoadFile merges a branchfs.toml found at path into base, returning
// base unchanged (not an error) if the file does not exist.
func LoadFile(base Options, path string) (Options, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return base, nil
	}
	merged := base
	if _, err := toml.DecodeFile(path, &merged); err != nil {
		return base, errors.Wrapf(err, "decode %s", path)
	}
	return merged, nil
}

// Save writes opts to branchfs.toml under opts.BaseDir, so a future
// `branchfs mount` run with no flags picks up the last configuration, per spec.md §6's config-persistence addition.
func Save(opts Options) error {
	if err := os.MkdirAll(opts.BaseDir, 0o775); err != nil {
		return errors.Wrap(err, "create base directory")
	}
	f, err := os.Create(ConfigPath(opts.BaseDir))
	if err != nil {
		return errors.Wrap(err, "create branchfs.toml")
	}
	defer f.Close()
	return errors.Wrap(toml.NewEncoder(f).Encode(opts), "encode branchfs.toml")
}
