//go:build windows

package pdbrewrite

import "golang.org/x/sys/windows"

// atomicReplace renames src onto dst via MoveFileEx with
// MOVEFILE_REPLACE_EXISTING, since plain os.Rename on Windows refuses to
// replace a file that's still open elsewhere for reading.
func atomicReplace(src, dst string) error {
	srcPtr, err := windows.UTF16PtrFromString(src)
	if err != nil {
		return err
	}
	dstPtr, err := windows.UTF16PtrFromString(dst)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(srcPtr, dstPtr, windows.MOVEFILE_REPLACE_EXISTING)
}
