package fingerprint

import "golang.org/x/sys/unix"

// mtimeNs returns the file's modification time in nanoseconds since the
// epoch, extracted from the platform Stat_t the same way
// internal/batch/batch.go reads mtimes to decide whether a package is stale.
func mtimeNs(st unix.Stat_t) int64 {
	return st.Mtim.Sec*1e9 + st.Mtim.Nsec
}
