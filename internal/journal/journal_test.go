package journal

import (
	"os"
	"path/filepath"
	"testing"
)

// newTestJournal creates a journal in a fresh temporary folder.
func newTestJournal(t *testing.T) *Journal {
	t.Helper()

	j := New(t.TempDir(), nil)
	if !j.IsConnected() {
		t.Fatal("journal failed to connect")
	}
	t.Cleanup(j.Close)
	return j
}

func TestPathHash(t *testing.T) {
	t.Run("empty path is the reserved sentinel", func(t *testing.T) {
		if got := PathHash(""); got != InvalidPathHash {
			t.Errorf("PathHash(\"\") = %v, want %v", got, InvalidPathHash)
		}
	})

	t.Run("stable and distinct", func(t *testing.T) {
		a1 := PathHash("dir/file.txt")
		a2 := PathHash("dir/file.txt")
		b := PathHash("dir/file2.txt")
		if a1 != a2 {
			t.Errorf("hash not stable: %v != %v", a1, a2)
		}
		if a1 == b {
			t.Errorf("distinct paths collided: %v", a1)
		}
	})
}

func TestJournal_FileRecords(t *testing.T) {
	t.Run("returns nil when record not found", func(t *testing.T) {
		j := newTestJournal(t)

		rec, err := j.GetFileRecord("nonexistent")
		if err != nil {
			t.Fatalf("GetFileRecord() error = %v", err)
		}
		if rec != nil {
			t.Errorf("GetFileRecord() = %v, want nil", rec)
		}
	})

	t.Run("set then get round-trips", func(t *testing.T) {
		j := newTestJournal(t)

		in := FileRecord{
			Path:       "foo/bar.txt",
			Inode:      42,
			Mode:       0644,
			Modtime:    1700000000,
			Type:       TypeFile,
			ETag:       "abc123",
			FileID:     "00000042oc",
			RemotePerm: "RDNVW",
			FileSize:   1337,
		}
		if err := j.SetFileRecord(in); err != nil {
			t.Fatalf("SetFileRecord() error = %v", err)
		}

		out, err := j.GetFileRecord("foo/bar.txt")
		if err != nil {
			t.Fatalf("GetFileRecord() error = %v", err)
		}
		if out == nil {
			t.Fatal("GetFileRecord() returned nil, want record")
		}
		if *out != in {
			t.Errorf("record = %+v, want %+v", *out, in)
		}
	})

	t.Run("replace keeps one row per path", func(t *testing.T) {
		j := newTestJournal(t)

		rec := FileRecord{Path: "a.txt", Type: TypeFile, ETag: "v1"}
		if err := j.SetFileRecord(rec); err != nil {
			t.Fatalf("SetFileRecord() error = %v", err)
		}
		rec.ETag = "v2"
		if err := j.SetFileRecord(rec); err != nil {
			t.Fatalf("SetFileRecord() error = %v", err)
		}

		n, err := j.FileRecordCount()
		if err != nil {
			t.Fatalf("FileRecordCount() error = %v", err)
		}
		if n != 1 {
			t.Errorf("FileRecordCount() = %v, want 1", n)
		}
		out, _ := j.GetFileRecord("a.txt")
		if out.ETag != "v2" {
			t.Errorf("ETag = %v, want v2", out.ETag)
		}
	})

	t.Run("recursive delete removes the subtree only", func(t *testing.T) {
		j := newTestJournal(t)

		for _, p := range []string{"dir", "dir/a", "dir/sub/b", "dirx", "other"} {
			if err := j.SetFileRecord(FileRecord{Path: p, Type: TypeFile, ETag: "e"}); err != nil {
				t.Fatalf("SetFileRecord(%q) error = %v", p, err)
			}
		}

		if err := j.DeleteFileRecord("dir", true); err != nil {
			t.Fatalf("DeleteFileRecord() error = %v", err)
		}

		for _, p := range []string{"dir", "dir/a", "dir/sub/b"} {
			rec, _ := j.GetFileRecord(p)
			if rec != nil {
				t.Errorf("record %q still present", p)
			}
		}
		// "dirx" shares the prefix but not the path separator boundary.
		for _, p := range []string{"dirx", "other"} {
			rec, _ := j.GetFileRecord(p)
			if rec == nil {
				t.Errorf("record %q was deleted", p)
			}
		}
	})
}

func TestJournal_AvoidReadFromDbOnNextSync(t *testing.T) {
	t.Run("invalidates ancestor directory etags", func(t *testing.T) {
		j := newTestJournal(t)

		mustSet := func(rec FileRecord) {
			t.Helper()
			if err := j.SetFileRecord(rec); err != nil {
				t.Fatalf("SetFileRecord() error = %v", err)
			}
		}
		mustSet(FileRecord{Path: "top", Type: TypeDirectory, ETag: "e-top"})
		mustSet(FileRecord{Path: "top/mid", Type: TypeDirectory, ETag: "e-mid"})
		mustSet(FileRecord{Path: "top/mid/leaf.txt", Type: TypeFile, ETag: "e-leaf"})
		mustSet(FileRecord{Path: "sibling", Type: TypeDirectory, ETag: "e-sib"})

		if err := j.AvoidReadFromDbOnNextSync("top/mid/leaf.txt"); err != nil {
			t.Fatalf("AvoidReadFromDbOnNextSync() error = %v", err)
		}

		for _, p := range []string{"top", "top/mid"} {
			rec, _ := j.GetFileRecord(p)
			if rec.ETag != InvalidETag {
				t.Errorf("etag of %q = %v, want %v", p, rec.ETag, InvalidETag)
			}
		}
		// The target itself is a file row and keeps its etag; only the
		// directory chain is forced to refresh.
		if rec, _ := j.GetFileRecord("top/mid/leaf.txt"); rec.ETag != "e-leaf" {
			t.Errorf("leaf etag = %v, want e-leaf", rec.ETag)
		}
		if rec, _ := j.GetFileRecord("sibling"); rec.ETag != "e-sib" {
			t.Errorf("sibling etag = %v, want e-sib", rec.ETag)
		}
	})

	t.Run("filter forces invalid etag on later writes", func(t *testing.T) {
		j := newTestJournal(t)

		if err := j.AvoidReadFromDbOnNextSync("blocked/sub"); err != nil {
			t.Fatalf("AvoidReadFromDbOnNextSync() error = %v", err)
		}

		cases := []struct {
			path string
			want string
		}{
			{"blocked/sub", InvalidETag},           // the filtered path itself
			{"blocked/sub/deep/file", InvalidETag}, // inside the subtree
			{"blocked", InvalidETag},               // ancestor of the filtered path
			{"unrelated", "fresh"},
		}
		for _, tc := range cases {
			if err := j.SetFileRecord(FileRecord{Path: tc.path, Type: TypeDirectory, ETag: "fresh"}); err != nil {
				t.Fatalf("SetFileRecord(%q) error = %v", tc.path, err)
			}
			rec, _ := j.GetFileRecord(tc.path)
			if rec.ETag != tc.want {
				t.Errorf("etag of %q = %v, want %v", tc.path, rec.ETag, tc.want)
			}
		}
	})

	t.Run("filter is cleared on close", func(t *testing.T) {
		dir := t.TempDir()
		j := New(dir, nil)
		if err := j.AvoidReadFromDbOnNextSync("sub"); err != nil {
			t.Fatalf("AvoidReadFromDbOnNextSync() error = %v", err)
		}
		j.Close()

		j2 := New(dir, nil)
		defer j2.Close()
		if err := j2.SetFileRecord(FileRecord{Path: "sub/f", Type: TypeFile, ETag: "real"}); err != nil {
			t.Fatalf("SetFileRecord() error = %v", err)
		}
		rec, _ := j2.GetFileRecord("sub/f")
		if rec.ETag != "real" {
			t.Errorf("etag = %v, want real (filter must not persist)", rec.ETag)
		}
	})
}

func TestJournal_AvoidRenamesOnNextSync(t *testing.T) {
	j := newTestJournal(t)

	mustSet := func(rec FileRecord) {
		t.Helper()
		if err := j.SetFileRecord(rec); err != nil {
			t.Fatalf("SetFileRecord() error = %v", err)
		}
	}
	mustSet(FileRecord{Path: "shared", Type: TypeDirectory, ETag: "e1", FileID: "fid-dir", Inode: 10})
	mustSet(FileRecord{Path: "shared/doc", Type: TypeFile, ETag: "e2", FileID: "fid-doc", Inode: 11})
	mustSet(FileRecord{Path: "outside", Type: TypeFile, ETag: "e3", FileID: "fid-out", Inode: 12})

	if err := j.AvoidRenamesOnNextSync("shared"); err != nil {
		t.Fatalf("AvoidRenamesOnNextSync() error = %v", err)
	}

	for _, p := range []string{"shared", "shared/doc"} {
		rec, _ := j.GetFileRecord(p)
		if rec.FileID != "" || rec.Inode != 0 {
			t.Errorf("%q: fileid = %q inode = %v, want cleared", p, rec.FileID, rec.Inode)
		}
	}
	rec, _ := j.GetFileRecord("outside")
	if rec.FileID != "fid-out" || rec.Inode != 12 {
		t.Errorf("outside row was touched: %+v", rec)
	}
}

func TestJournal_DownloadInfo(t *testing.T) {
	t.Run("missing info is not valid", func(t *testing.T) {
		j := newTestJournal(t)

		info, err := j.GetDownloadInfo("none")
		if err != nil {
			t.Fatalf("GetDownloadInfo() error = %v", err)
		}
		if info.Valid {
			t.Errorf("info = %+v, want Valid=false", info)
		}
	})

	t.Run("set, get, delete", func(t *testing.T) {
		j := newTestJournal(t)

		in := DownloadInfo{Tmpfile: ".f.tmp", ETag: "etag1", Valid: true}
		if err := j.SetDownloadInfo("f", in); err != nil {
			t.Fatalf("SetDownloadInfo() error = %v", err)
		}
		out, err := j.GetDownloadInfo("f")
		if err != nil {
			t.Fatalf("GetDownloadInfo() error = %v", err)
		}
		if out != in {
			t.Errorf("info = %+v, want %+v", out, in)
		}

		if err := j.DeleteDownloadInfo("f"); err != nil {
			t.Fatalf("DeleteDownloadInfo() error = %v", err)
		}
		out, _ = j.GetDownloadInfo("f")
		if out.Valid {
			t.Errorf("info still present after delete: %+v", out)
		}
	})

	t.Run("stale sweep returns removed entries", func(t *testing.T) {
		j := newTestJournal(t)

		j.SetDownloadInfo("keep", DownloadInfo{Tmpfile: ".keep.tmp", ETag: "a", Valid: true})
		j.SetDownloadInfo("stale", DownloadInfo{Tmpfile: ".stale.tmp", ETag: "b", Valid: true})

		removed, err := j.GetAndDeleteStaleDownloadInfos(map[string]bool{"keep": true})
		if err != nil {
			t.Fatalf("GetAndDeleteStaleDownloadInfos() error = %v", err)
		}
		if len(removed) != 1 || removed[0].Tmpfile != ".stale.tmp" {
			t.Errorf("removed = %+v, want the stale entry", removed)
		}

		if info, _ := j.GetDownloadInfo("keep"); !info.Valid {
			t.Error("kept entry was removed")
		}
		if info, _ := j.GetDownloadInfo("stale"); info.Valid {
			t.Error("stale entry survived")
		}
	})
}

func TestJournal_UploadInfo(t *testing.T) {
	j := newTestJournal(t)

	in := UploadInfo{Chunk: 3, TransferID: 987654, ErrorCount: 1, Size: 1 << 20, Modtime: 1700000000, Valid: true}
	if err := j.SetUploadInfo("big.bin", in); err != nil {
		t.Fatalf("SetUploadInfo() error = %v", err)
	}
	out, err := j.GetUploadInfo("big.bin")
	if err != nil {
		t.Fatalf("GetUploadInfo() error = %v", err)
	}
	if out != in {
		t.Errorf("info = %+v, want %+v", out, in)
	}

	j.SetUploadInfo("other.bin", UploadInfo{Chunk: 0, TransferID: 1, Size: 5, Modtime: 1, Valid: true})
	if err := j.DeleteStaleUploadInfos(map[string]bool{"big.bin": true}); err != nil {
		t.Fatalf("DeleteStaleUploadInfos() error = %v", err)
	}
	if info, _ := j.GetUploadInfo("other.bin"); info.Valid {
		t.Error("stale upload info survived")
	}
	if info, _ := j.GetUploadInfo("big.bin"); !info.Valid {
		t.Error("kept upload info was removed")
	}
}

func TestJournal_Blacklist(t *testing.T) {
	t.Run("returns nil when entry not found", func(t *testing.T) {
		j := newTestJournal(t)

		entry, err := j.BlacklistEntry("none")
		if err != nil {
			t.Fatalf("BlacklistEntry() error = %v", err)
		}
		if entry != nil {
			t.Errorf("BlacklistEntry() = %v, want nil", entry)
		}
	})

	t.Run("update, read back, wipe", func(t *testing.T) {
		j := newTestJournal(t)

		in := BlacklistEntry{
			Path:           "bad/file",
			LastTryEtag:    "etag",
			LastTryModtime: 1700000000,
			RetryCount:     2,
			ErrorString:    "500 Internal Server Error",
			LastTryTime:    1700000100,
			IgnoreDuration: 50,
		}
		if err := j.UpdateBlacklistEntry(in); err != nil {
			t.Fatalf("UpdateBlacklistEntry() error = %v", err)
		}

		out, err := j.BlacklistEntry("bad/file")
		if err != nil {
			t.Fatalf("BlacklistEntry() error = %v", err)
		}
		if out == nil {
			t.Fatal("BlacklistEntry() returned nil, want entry")
		}
		if *out != in {
			t.Errorf("entry = %+v, want %+v", *out, in)
		}
		if !out.Valid() {
			t.Error("entry should be valid")
		}

		if err := j.WipeBlacklistEntry("bad/file"); err != nil {
			t.Fatalf("WipeBlacklistEntry() error = %v", err)
		}
		out, _ = j.BlacklistEntry("bad/file")
		if out != nil {
			t.Errorf("entry survived wipe: %+v", out)
		}
	})

	t.Run("wipe all reports the count", func(t *testing.T) {
		j := newTestJournal(t)

		for _, p := range []string{"c", "a", "b"} {
			j.UpdateBlacklistEntry(BlacklistEntry{Path: p, RetryCount: 1, LastTryTime: 1})
		}

		entries, err := j.BlacklistEntries()
		if err != nil {
			t.Fatalf("BlacklistEntries() error = %v", err)
		}
		if len(entries) != 3 || entries[0].Path != "a" || entries[2].Path != "c" {
			t.Errorf("BlacklistEntries() = %+v, want a,b,c", entries)
		}

		n, err := j.WipeBlacklist()
		if err != nil {
			t.Fatalf("WipeBlacklist() error = %v", err)
		}
		if n != 3 {
			t.Errorf("WipeBlacklist() = %v, want 3", n)
		}
		count, _ := j.BlacklistEntryCount()
		if count != 0 {
			t.Errorf("BlacklistEntryCount() = %v, want 0", count)
		}
	})

	t.Run("stale sweep", func(t *testing.T) {
		j := newTestJournal(t)

		j.UpdateBlacklistEntry(BlacklistEntry{Path: "keep", RetryCount: 1, LastTryTime: 1})
		j.UpdateBlacklistEntry(BlacklistEntry{Path: "gone", RetryCount: 1, LastTryTime: 1})

		if err := j.DeleteStaleBlacklistEntries(map[string]bool{"keep": true}); err != nil {
			t.Fatalf("DeleteStaleBlacklistEntries() error = %v", err)
		}
		if e, _ := j.BlacklistEntry("gone"); e != nil {
			t.Error("stale entry survived")
		}
		if e, _ := j.BlacklistEntry("keep"); e == nil {
			t.Error("kept entry was removed")
		}
	})

	t.Run("case-insensitive lookup on case-preserving filesystems", func(t *testing.T) {
		t.Setenv("OWNCLOUD_TEST_CASE_PRESERVING", "1")
		j := newTestJournal(t)

		j.UpdateBlacklistEntry(BlacklistEntry{Path: "Dir/File.TXT", RetryCount: 1, LastTryTime: 1})
		entry, err := j.BlacklistEntry("dir/file.txt")
		if err != nil {
			t.Fatalf("BlacklistEntry() error = %v", err)
		}
		if entry == nil {
			t.Fatal("lookup with different case found nothing")
		}
	})
}

func TestJournal_PollInfo(t *testing.T) {
	j := newTestJournal(t)

	in := PollInfo{Path: "video.mp4", Modtime: 1700000000, URL: "/remote.php/poll/123"}
	if err := j.SetPollInfo(in); err != nil {
		t.Fatalf("SetPollInfo() error = %v", err)
	}

	infos, err := j.PollInfos()
	if err != nil {
		t.Fatalf("PollInfos() error = %v", err)
	}
	if len(infos) != 1 || infos[0] != in {
		t.Errorf("infos = %+v, want [%+v]", infos, in)
	}

	// Empty URL deletes the row.
	if err := j.SetPollInfo(PollInfo{Path: "video.mp4"}); err != nil {
		t.Fatalf("SetPollInfo() error = %v", err)
	}
	infos, _ = j.PollInfos()
	if len(infos) != 0 {
		t.Errorf("infos = %+v, want empty", infos)
	}
}

func TestJournal_PostSyncCleanup(t *testing.T) {
	j := newTestJournal(t)

	for _, p := range []string{"seen", "seen/child", "vanished"} {
		if err := j.SetFileRecord(FileRecord{Path: p, Type: TypeFile, ETag: "e"}); err != nil {
			t.Fatalf("SetFileRecord(%q) error = %v", p, err)
		}
	}

	keep := map[string]bool{"seen": true, "seen/child": true}
	if err := j.PostSyncCleanup(keep); err != nil {
		t.Fatalf("PostSyncCleanup() error = %v", err)
	}

	if rec, _ := j.GetFileRecord("vanished"); rec != nil {
		t.Errorf("vanished record survived cleanup: %+v", rec)
	}
	n, _ := j.FileRecordCount()
	if n != 2 {
		t.Errorf("FileRecordCount() = %v, want 2", n)
	}
}

func TestJournal_Reopen(t *testing.T) {
	dir := t.TempDir()

	j := New(dir, nil)
	if err := j.SetFileRecord(FileRecord{Path: "persist.txt", Type: TypeFile, ETag: "e9"}); err != nil {
		t.Fatalf("SetFileRecord() error = %v", err)
	}
	j.Close()

	if _, err := os.Stat(filepath.Join(dir, DatabaseFileName)); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	j2 := New(dir, nil)
	defer j2.Close()
	rec, err := j2.GetFileRecord("persist.txt")
	if err != nil {
		t.Fatalf("GetFileRecord() error = %v", err)
	}
	if rec == nil || rec.ETag != "e9" {
		t.Errorf("record after reopen = %+v, want etag e9", rec)
	}
	if j2.PossibleUpgradeFromPriorMajor() {
		t.Error("reopen of a current database must not report a prior-major upgrade")
	}
}

func TestJournal_PossibleUpgradeFromPriorMajor(t *testing.T) {
	dir := t.TempDir()

	// Build a database that has data but no version row, as a prior major
	// release would have left it.
	j := New(dir, nil)
	if err := j.SetFileRecord(FileRecord{Path: "old.txt", Type: TypeFile, ETag: "e"}); err != nil {
		t.Fatalf("SetFileRecord() error = %v", err)
	}
	j.mu.Lock()
	if _, err := j.g.db.Exec("DELETE FROM version"); err != nil {
		j.mu.Unlock()
		t.Fatalf("clearing version table: %v", err)
	}
	j.mu.Unlock()
	j.Close()

	j2 := New(dir, nil)
	defer j2.Close()
	if !j2.PossibleUpgradeFromPriorMajor() {
		t.Error("want prior-major upgrade signal for a versionless non-empty database")
	}

	// The signal clears after a completed run.
	if err := j2.PostSyncCleanup(map[string]bool{"old.txt": true}); err != nil {
		t.Fatalf("PostSyncCleanup() error = %v", err)
	}
	if j2.PossibleUpgradeFromPriorMajor() {
		t.Error("signal must clear after cleanup")
	}
}
