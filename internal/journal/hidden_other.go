//go:build !windows

package journal

// markHidden is a no-op here; the leading dot of DatabaseFileName already
// hides the journal and its siblings.
func markHidden(string) error { return nil }
