package journal

import (
	"os"
	"runtime"
)

// fsCasePreserving reports whether the local filesystem keeps the case of
// file names while matching them case-insensitively. On such systems the
// blacklist has to be queried case-insensitively as well.
func fsCasePreserving() bool {
	if v := os.Getenv("OWNCLOUD_TEST_CASE_PRESERVING"); v != "" {
		return v != "0"
	}
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}
