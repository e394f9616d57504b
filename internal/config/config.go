// Package config captures the engine's environment-derived settings,
// read once at process start (see SPEC_FULL.md §6 Environment).
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds every value the engine reads from the environment. It is
// read once (Load) and then passed explicitly to constructors; nothing in
// this package is re-read after startup.
type Config struct {
	// WorkspaceRoot is the root directory of the workspace being built.
	WorkspaceRoot string
	// CacheDir holds the persisted Build/Action/Graph caches and the
	// checkpoint file, defaulting to "<WorkspaceRoot>/.builder-cache".
	CacheDir string

	CacheMaxSize    int64
	CacheMaxEntries int
	CacheMaxAge     time.Duration

	// Jobs is the default scheduler concurrency cap, from BUILDER_JOBS; Load
	// uses the detected CPU count when that is unset, zero or negative.
	Jobs int
}

func findWorkspaceRoot() string {
	if v := os.Getenv("BUILDER_WORKSPACE_ROOT"); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func getenvInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Load reads the engine's environment variables exactly once. Call it at
// process start; nothing in this package re-reads the environment
// afterwards.
func Load() Config {
	root := findWorkspaceRoot()
	cacheDir := os.Getenv("BUILDER_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = root + "/.builder-cache"
	}
	jobs := getenvInt("BUILDER_JOBS", 0)
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	return Config{
		WorkspaceRoot:   root,
		CacheDir:        cacheDir,
		CacheMaxSize:    getenvInt64("BUILDER_CACHE_MAX_SIZE", 1<<30), // 1 GiB
		CacheMaxEntries: getenvInt("BUILDER_CACHE_MAX_ENTRIES", 100000),
		CacheMaxAge:     time.Duration(getenvInt("BUILDER_CACHE_MAX_AGE_DAYS", 30)) * 24 * time.Hour,
		Jobs:            jobs,
	}
}
