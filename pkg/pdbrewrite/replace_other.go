//go:build !windows

package pdbrewrite

import "os"

// atomicReplace renames src onto dst. On POSIX filesystems rename(2) is
// already atomic and silently replaces an existing dst.
func atomicReplace(src, dst string) error {
	return os.Rename(src, dst)
}
