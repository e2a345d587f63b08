package config

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// Snapshot is a process-wide, immutable view of the OWNCLOUD_* environment
// overrides. It is captured once so tuning cannot drift mid-run.
type Snapshot struct {
	MaxParallel            int
	ChunkSize              int64
	Timeout                time.Duration
	FreeSpaceBytes         int64
	CriticalFreeSpaceBytes int64
}

var (
	envOnce     sync.Once
	envSnapshot Snapshot
)

// EnvSnapshot returns the environment overrides, read on first call.
func EnvSnapshot() Snapshot {
	envOnce.Do(func() {
		envSnapshot = readEnv(os.Getenv)
	})
	return envSnapshot
}

func readEnv(getenv func(string) string) Snapshot {
	var s Snapshot
	if v, err := strconv.Atoi(getenv("OWNCLOUD_MAX_PARALLEL")); err == nil && v > 0 {
		s.MaxParallel = v
	}
	if v, err := strconv.ParseInt(getenv("OWNCLOUD_CHUNK_SIZE"), 10, 64); err == nil && v > 0 {
		s.ChunkSize = v
	}
	if v, err := strconv.Atoi(getenv("OWNCLOUD_TIMEOUT")); err == nil && v > 0 {
		s.Timeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.ParseInt(getenv("OWNCLOUD_FREE_SPACE_BYTES"), 10, 64); err == nil && v > 0 {
		s.FreeSpaceBytes = v
	}
	if v, err := strconv.ParseInt(getenv("OWNCLOUD_CRITICAL_FREE_SPACE_BYTES"), 10, 64); err == nil && v > 0 {
		s.CriticalFreeSpaceBytes = v
	}
	return s
}

// EffectiveSync merges the config file's sync section with the environment
// snapshot. Environment values win.
func (c *Config) EffectiveSync(env Snapshot) SyncConfig {
	out := c.Sync
	if env.MaxParallel > 0 {
		out.MaxParallel = env.MaxParallel
	}
	if env.ChunkSize > 0 {
		out.ChunkSize = env.ChunkSize
	}
	if env.Timeout > 0 {
		out.TimeoutSeconds = int(env.Timeout / time.Second)
	}
	if env.FreeSpaceBytes > 0 {
		out.FreeSpaceBytes = env.FreeSpaceBytes
	}
	if env.CriticalFreeSpaceBytes > 0 {
		out.CriticalFreeSpaceBytes = env.CriticalFreeSpaceBytes
	}
	return out
}
