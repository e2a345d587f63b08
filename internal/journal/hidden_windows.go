//go:build windows

package journal

import "golang.org/x/sys/windows"

// markHidden sets the hidden attribute so the journal does not show up in
// Explorer next to the synchronized files. The dot prefix of
// DatabaseFileName means nothing on Windows.
func markHidden(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return err
	}
	return windows.SetFileAttributes(p, attrs|windows.FILE_ATTRIBUTE_HIDDEN)
}
