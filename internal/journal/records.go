package journal

// EntryType classifies a metadata row. The numeric values are part of the
// on-disk format: directory rows are matched by value in SQL (type == 2).
type EntryType int

const (
	TypeFile      EntryType = 0
	TypeSymlink   EntryType = 1
	TypeDirectory EntryType = 2
)

// InvalidETag is the reserved sentinel stored in place of a real server
// version token. A row carrying it forces the next run to re-query the
// server instead of trusting the journal.
const InvalidETag = "_invalid_"

// FileRecord is the last known synchronized state of one path.
type FileRecord struct {
	Path       string
	Inode      uint64
	Mode       uint32
	Modtime    int64 // seconds since epoch
	Type       EntryType
	ETag       string
	FileID     string // stable server identifier, survives renames
	RemotePerm string // opaque permission token; empty means NULL
	FileSize   int64
}

// DownloadInfo is the resume checkpoint of a partial download.
// Valid reports whether a checkpoint row exists; setting an info with
// Valid == false deletes the row.
type DownloadInfo struct {
	Tmpfile    string
	ETag       string
	ErrorCount int
	Valid      bool
}

// UploadInfo is the resume checkpoint of a partial chunked upload.
type UploadInfo struct {
	Chunk      int
	TransferID uint32
	ErrorCount int
	Size       int64
	Modtime    int64
	Valid      bool
}

// BlacklistEntry records a path whose transfer failed recently.
// An entry with IgnoreDuration > 0 actively suppresses the item; entries
// with IgnoreDuration == 0 are retained only for history.
type BlacklistEntry struct {
	Path           string
	LastTryEtag    string
	LastTryModtime int64
	RetryCount     int
	ErrorString    string
	LastTryTime    int64 // seconds since epoch
	IgnoreDuration int64 // seconds
}

// Valid reports whether the entry represents a real failure record.
func (e BlacklistEntry) Valid() bool {
	return e.Path != "" && e.RetryCount > 0 && e.LastTryTime > 0
}

// PollInfo is an outstanding asynchronous server-side job continuation.
type PollInfo struct {
	Path    string
	Modtime int64
	URL     string
}
