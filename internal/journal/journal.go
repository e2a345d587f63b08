package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"davsync/internal/logging"
)

// DatabaseFileName is the name of the journal database inside the
// synchronized folder. The leading dot keeps it out of the way on
// unix-like systems; SQLite places the -wal and -shm siblings next to it.
const DatabaseFileName = ".csync_journal.db"

// Schema version written to the version table. The custom column carries the
// build identifier. Only major/minor/patch participate in the comparison.
const (
	versionMajor = 2
	versionMinor = 0
	versionPatch = 1
	versionBuild = ""
)

// Journal is the single-writer store of per-file sync state: metadata rows,
// transfer resume checkpoints, the error blacklist and poll continuations.
//
// The Journal owns its SQL connection exclusively; every public method
// serializes on one mutex, so it is safe to call from any goroutine.
type Journal struct {
	mu     sync.Mutex
	dbFile string
	log    logging.Logger

	g *gateway // nil while closed

	possiblePriorMajorUpgrade bool

	// Paths registered by AvoidReadFromDbOnNextSync. While non-empty,
	// SetFileRecord replaces affected etags with InvalidETag so a later
	// write cannot undo the forced refresh. Cleared on Close.
	avoidReadFilter []string

	blacklistSelectSQL string
}

// New creates a journal for the given synchronized folder. The database is
// opened lazily on first use.
func New(folderPath string, log logging.Logger) *Journal {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Journal{
		dbFile: filepath.Join(folderPath, DatabaseFileName),
		log:    log,
	}
}

// DatabaseFilePath returns the path of the journal database file.
func (j *Journal) DatabaseFilePath() string { return j.dbFile }

// Exists reports whether the database file is present on disk.
func (j *Journal) Exists() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := os.Stat(j.dbFile)
	return err == nil
}

// IsConnected opens the database if needed and reports success.
func (j *Journal) IsConnected() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.checkConnect() == nil
}

// PossibleUpgradeFromPriorMajor reports whether the database predates the
// version table, which means it was written by a prior major release.
// Read-only signal for callers; cleared by PostSyncCleanup.
func (j *Journal) PossibleUpgradeFromPriorMajor() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkConnect(); err != nil {
		return false
	}
	return j.possiblePriorMajorUpgrade
}

// Close commits outstanding work and releases the connection.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.g == nil {
		return
	}
	if err := j.g.commit(); err != nil {
		j.log.Warn("commit on close failed", "db", j.dbFile, "error", err)
	}
	if err := j.g.close(); err != nil {
		j.log.Warn("closing journal failed", "db", j.dbFile, "error", err)
	}
	j.g = nil
	j.possiblePriorMajorUpgrade = false
	j.avoidReadFilter = nil
}

// sqlFail handles a fatal SQL error: commit what we have so prior work is
// not lost, log, and drop the connection. The next call reconnects.
func (j *Journal) sqlFail(context string, err error) error {
	j.log.Error("sql error", "context", context, "error", err)
	if j.g != nil {
		if cerr := j.g.commit(); cerr != nil {
			j.log.Warn("commit after sql error failed", "error", cerr)
		}
		j.g.close()
		j.g = nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// checkConnect opens the database on demand, creating the schema, applying
// migrations and preparing the statement set. Callers hold the mutex.
func (j *Journal) checkConnect() error {
	if j.g != nil {
		return nil
	}
	if j.dbFile == "" {
		return errors.New("journal database path is empty")
	}

	_, statErr := os.Stat(j.dbFile)
	isNewDb := os.IsNotExist(statErr)

	g, err := openGateway(j.dbFile)
	if err != nil {
		return err
	}
	j.g = g

	// Inserts are slow outside a transaction, so the journal keeps one
	// open between commits.
	j.startTransaction()

	if err := j.createTables(); err != nil {
		return err
	}
	if err := j.checkVersion(isNewDb); err != nil {
		return err
	}
	j.commitInternal("checkConnect", true)

	if err := j.updateMetadataTableStructure(); err != nil {
		return err
	}
	if err := j.updateBlacklistTableStructure(); err != nil {
		return err
	}

	j.blacklistSelectSQL = "SELECT lastTryEtag, lastTryModtime, retrycount, errorstring, lastTryTime, ignoreDuration " +
		"FROM blacklist WHERE path=?1"
	if fsCasePreserving() {
		// Case-preserving filesystems need case-insensitive blacklist
		// matching, or a rename that only changes case escapes its entry.
		j.blacklistSelectSQL += " COLLATE NOCASE"
	}

	j.commitInternal("checkConnect end", false)

	// The -wal sibling exists once the schema commit above ran; the -shm
	// file may appear later, so hiding it here is best effort.
	for _, p := range []string{j.dbFile, j.dbFile + "-wal", j.dbFile + "-shm"} {
		if err := markHidden(p); err != nil {
			j.log.Debug("could not hide journal file", "file", p, "error", err)
		}
	}
	return nil
}

func (j *Journal) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS metadata(
			phash INTEGER(8),
			pathlen INTEGER,
			path VARCHAR(4096),
			inode INTEGER,
			uid INTEGER,
			gid INTEGER,
			mode INTEGER,
			modtime INTEGER(8),
			type INTEGER,
			md5 VARCHAR(32),
			PRIMARY KEY(phash)
		);`, // md5 is the etag; the column name is kept for compatibility
		`CREATE TABLE IF NOT EXISTS downloadinfo(
			path VARCHAR(4096),
			tmpfile VARCHAR(4096),
			etag VARCHAR(32),
			errorcount INTEGER,
			PRIMARY KEY(path)
		);`,
		`CREATE TABLE IF NOT EXISTS uploadinfo(
			path VARCHAR(4096),
			chunk INTEGER,
			transferid INTEGER,
			errorcount INTEGER,
			size INTEGER(8),
			modtime INTEGER(8),
			PRIMARY KEY(path)
		);`,
		`CREATE TABLE IF NOT EXISTS blacklist(
			path VARCHAR(4096),
			lastTryEtag VARCHAR(32),
			lastTryModtime INTEGER(8),
			retrycount INTEGER,
			errorstring VARCHAR(4096),
			PRIMARY KEY(path)
		);`,
		`CREATE TABLE IF NOT EXISTS poll(
			path VARCHAR(4096),
			modtime INTEGER(8),
			pollpath VARCHAR(4096)
		);`,
		`CREATE TABLE IF NOT EXISTS version(
			major INTEGER(8),
			minor INTEGER(8),
			patch INTEGER(8),
			custom VARCHAR(256)
		);`,
	}
	for _, ddl := range tables {
		if _, err := j.g.db.Exec(ddl); err != nil {
			return j.sqlFail("creating tables", err)
		}
	}
	return nil
}

func (j *Journal) checkVersion(isNewDb bool) error {
	j.possiblePriorMajorUpgrade = false

	var major, minor, patch int
	row := j.g.db.QueryRow("SELECT major, minor, patch FROM version")
	err := row.Scan(&major, &minor, &patch)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No version row: either a fresh database, or one written by a
		// release that predates the version table.
		if !isNewDb {
			j.log.Info("possible upgrade from prior major version detected", "db", j.dbFile)
			j.possiblePriorMajorUpgrade = true
		}
		if _, err := j.g.db.Exec("INSERT INTO version VALUES (?1, ?2, ?3, ?4)",
			versionMajor, versionMinor, versionPatch, versionBuild); err != nil {
			return j.sqlFail("inserting version row", err)
		}
	case err != nil:
		return j.sqlFail("reading version row", err)
	default:
		if major != versionMajor || minor != versionMinor || patch != versionPatch {
			if _, err := j.g.db.Exec(
				"UPDATE version SET major=?1, minor=?2, patch=?3, custom=?4 WHERE major=?5 AND minor=?6 AND patch=?7",
				versionMajor, versionMinor, versionPatch, versionBuild,
				major, minor, patch); err != nil {
				return j.sqlFail("updating version row", err)
			}
		}
	}
	return nil
}

func (j *Journal) updateMetadataTableStructure() error {
	columns, err := j.g.tableColumns("metadata")
	if err != nil {
		return j.sqlFail("reading metadata columns", err)
	}
	has := func(name string) bool {
		for _, c := range columns {
			if c == name {
				return true
			}
		}
		return false
	}

	if !has("fileid") {
		if _, err := j.g.db.Exec("ALTER TABLE metadata ADD COLUMN fileid VARCHAR(128);"); err != nil {
			return j.sqlFail("adding fileid column", err)
		}
		if _, err := j.g.db.Exec("CREATE INDEX metadata_file_id ON metadata(fileid);"); err != nil {
			return j.sqlFail("creating fileid index", err)
		}
		j.commitInternal("update database structure: add fileid col", true)
	}
	if !has("remotePerm") {
		if _, err := j.g.db.Exec("ALTER TABLE metadata ADD COLUMN remotePerm VARCHAR(128);"); err != nil {
			return j.sqlFail("adding remotePerm column", err)
		}
		j.commitInternal("update database structure: add remotePerm col", true)
	}
	if !has("filesize") {
		if _, err := j.g.db.Exec("ALTER TABLE metadata ADD COLUMN filesize BIGINT;"); err != nil {
			return j.sqlFail("adding filesize column", err)
		}
		j.commitInternal("update database structure: add filesize col", true)
	}

	if _, err := j.g.db.Exec("CREATE INDEX IF NOT EXISTS metadata_inode ON metadata(inode);"); err != nil {
		return j.sqlFail("creating inode index", err)
	}
	if _, err := j.g.db.Exec("CREATE INDEX IF NOT EXISTS metadata_pathlen ON metadata(pathlen);"); err != nil {
		return j.sqlFail("creating pathlen index", err)
	}
	j.commitInternal("update database structure: indexes", true)
	return nil
}

func (j *Journal) updateBlacklistTableStructure() error {
	columns, err := j.g.tableColumns("blacklist")
	if err != nil {
		return j.sqlFail("reading blacklist columns", err)
	}
	hasLastTryTime := false
	for _, c := range columns {
		if c == "lastTryTime" {
			hasLastTryTime = true
		}
	}
	if !hasLastTryTime {
		if _, err := j.g.db.Exec("ALTER TABLE blacklist ADD COLUMN lastTryTime INTEGER(8);"); err != nil {
			return j.sqlFail("adding lastTryTime column", err)
		}
		if _, err := j.g.db.Exec("ALTER TABLE blacklist ADD COLUMN ignoreDuration INTEGER(8);"); err != nil {
			return j.sqlFail("adding ignoreDuration column", err)
		}
		j.commitInternal("update database structure: add lastTryTime, ignoreDuration cols", true)
	}
	return nil
}

// startTransaction opens the long-lived write transaction. Holding one open
// between commits makes the many small inserts of a sync run cheap.
func (j *Journal) startTransaction() {
	if j.g == nil {
		return
	}
	if j.g.inTransaction() {
		j.log.Warn("transaction already running, not starting another one")
		return
	}
	if err := j.g.begin(); err != nil {
		j.log.Error("starting transaction failed", "error", err)
	}
}

func (j *Journal) commitTransaction() {
	if j.g == nil || !j.g.inTransaction() {
		return
	}
	if err := j.g.commit(); err != nil {
		j.log.Error("committing transaction failed", "error", err)
	}
}

func (j *Journal) commitInternal(context string, startNew bool) {
	j.log.Debug("transaction commit", "context", context, "startNew", startNew)
	j.commitTransaction()
	if startNew {
		j.startTransaction()
	}
}

// Commit commits the current transaction and, if startNew is set, opens the
// next one.
func (j *Journal) Commit(context string, startNew bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commitInternal(context, startNew)
}

// CommitIfNeededAndStartNewTransaction commits only if a transaction is
// active; either way a fresh transaction is open on return.
func (j *Journal) CommitIfNeededAndStartNewTransaction(context string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.g != nil && j.g.inTransaction() {
		j.commitInternal(context, true)
	} else {
		j.startTransaction()
	}
}

func (j *Journal) walCheckpoint() {
	if j.g == nil {
		return
	}
	// Folds the -wal file back into the main database so the next open
	// starts fast.
	if _, err := j.g.db.Exec("PRAGMA wal_checkpoint(FULL);"); err != nil {
		j.log.Warn("wal checkpoint failed", "error", err)
	}
}

// ---- file records ----

const setFileRecordSQL = `INSERT OR REPLACE INTO metadata
	(phash, pathlen, path, inode, uid, gid, mode, modtime, type, md5, fileid, remotePerm, filesize)
	VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13)`

const getFileRecordSQL = `SELECT path, inode, mode, modtime, type, md5, fileid, remotePerm, filesize
	FROM metadata WHERE phash=?1`

// SetFileRecord inserts or replaces the metadata row for rec.Path.
// While an etag-invalidation filter is active, affected rows are stored with
// the InvalidETag sentinel instead of the record's etag.
func (j *Journal) SetFileRecord(rec FileRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.avoidReadFilter) > 0 && j.filterHitsPath(rec.Path) {
		j.log.Debug("filtered etag write", "path", rec.Path)
		rec.ETag = InvalidETag
	}

	if err := j.checkConnect(); err != nil {
		return err
	}

	var remotePerm sql.NullString
	if rec.RemotePerm != "" {
		remotePerm = sql.NullString{String: rec.RemotePerm, Valid: true}
	}

	phash := PathHash(rec.Path)
	_, err := j.g.exec(setFileRecordSQL,
		phash, len(rec.Path), rec.Path, rec.Inode,
		0, 0, // uid/gid not used
		rec.Mode, rec.Modtime, int(rec.Type), rec.ETag, rec.FileID, remotePerm, rec.FileSize)
	if err != nil {
		return j.sqlFail("setFileRecord", err)
	}
	return nil
}

// filterHitsPath reports whether the invalidation filter applies to path:
// either the path lies inside a filtered subtree, or it is an ancestor
// directory of a filtered path (whose etag chain must stay invalid).
func (j *Journal) filterHitsPath(path string) bool {
	prefix := path + "/"
	for _, f := range j.avoidReadFilter {
		if path == f || strings.HasPrefix(path, f+"/") || strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

// GetFileRecord returns the metadata row for path, or nil if none exists.
func (j *Journal) GetFileRecord(path string) (*FileRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return nil, err
	}

	row, err := j.g.queryRow(getFileRecordSQL, PathHash(path))
	if err != nil {
		return nil, j.sqlFail("getFileRecord", err)
	}

	var (
		rec        FileRecord
		typ        int
		remotePerm sql.NullString
		fileID     sql.NullString
		fileSize   sql.NullInt64
	)
	err = row.Scan(&rec.Path, &rec.Inode, &rec.Mode, &rec.Modtime, &typ, &rec.ETag, &fileID, &remotePerm, &fileSize)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, j.sqlFail("scanning file record", err)
	}
	rec.Type = EntryType(typ)
	rec.FileID = fileID.String
	rec.RemotePerm = remotePerm.String
	rec.FileSize = fileSize.Int64
	return &rec, nil
}

// FileRecords returns every metadata row ordered by path.
func (j *Journal) FileRecords() ([]FileRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return nil, err
	}
	rows, err := j.g.query("SELECT path, inode, mode, modtime, type, md5, fileid, remotePerm, filesize " +
		"FROM metadata ORDER BY path")
	if err != nil {
		return nil, j.sqlFail("fileRecords", err)
	}
	defer rows.Close()

	var recs []FileRecord
	for rows.Next() {
		var (
			rec        FileRecord
			typ        int
			remotePerm sql.NullString
			fileID     sql.NullString
			fileSize   sql.NullInt64
		)
		if err := rows.Scan(&rec.Path, &rec.Inode, &rec.Mode, &rec.Modtime, &typ,
			&rec.ETag, &fileID, &remotePerm, &fileSize); err != nil {
			return nil, j.sqlFail("scanning file records", err)
		}
		rec.Type = EntryType(typ)
		rec.FileID = fileID.String
		rec.RemotePerm = remotePerm.String
		rec.FileSize = fileSize.Int64
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, j.sqlFail("iterating file records", err)
	}
	return recs, nil
}

// DeleteFileRecord removes the row for path; with recursive set, every row
// under path/ goes too.
func (j *Journal) DeleteFileRecord(path string, recursive bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return err
	}
	if _, err := j.g.exec("DELETE FROM metadata WHERE phash=?1", PathHash(path)); err != nil {
		return j.sqlFail("deleteFileRecord", err)
	}
	if recursive {
		if _, err := j.g.exec("DELETE FROM metadata WHERE path LIKE(?1||'/%')", path); err != nil {
			return j.sqlFail("deleteFileRecord recursive", err)
		}
	}
	return nil
}

// FileRecordCount returns the number of metadata rows.
func (j *Journal) FileRecordCount() (int, error) {
	return j.countRows("metadata")
}

func (j *Journal) countRows(table string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return -1, err
	}
	var count int
	row := j.g.db.QueryRow("SELECT COUNT(*) FROM " + table)
	if err := row.Scan(&count); err != nil {
		return -1, j.sqlFail("counting "+table, err)
	}
	return count, nil
}

// PostSyncCleanup removes metadata rows whose path is not in keep, then
// checkpoints the WAL so the main database file is up to date for the next
// run.
func (j *Journal) PostSyncCleanup(keep map[string]bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return err
	}

	rows, err := j.g.query("SELECT phash, path FROM metadata ORDER BY path")
	if err != nil {
		return j.sqlFail("postSyncCleanup select", err)
	}
	var superfluous []string
	for rows.Next() {
		var phash int64
		var path string
		if err := rows.Scan(&phash, &path); err != nil {
			rows.Close()
			return j.sqlFail("postSyncCleanup scan", err)
		}
		if !keep[path] {
			superfluous = append(superfluous, strconv.FormatInt(phash, 10))
		}
	}
	rows.Close()

	if len(superfluous) > 0 {
		j.log.Debug("journal cleanup", "rows", len(superfluous))
		del := "DELETE FROM metadata WHERE phash IN (" + strings.Join(superfluous, ",") + ")"
		if _, err := j.g.db.Exec(del); err != nil {
			return j.sqlFail("postSyncCleanup delete", err)
		}
	}

	j.walCheckpoint()
	j.possiblePriorMajorUpgrade = false
	return nil
}

// ---- download info ----

// GetDownloadInfo returns the download checkpoint for path. Valid is false
// when no row exists.
func (j *Journal) GetDownloadInfo(path string) (DownloadInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var info DownloadInfo
	if err := j.checkConnect(); err != nil {
		return info, err
	}
	row, err := j.g.queryRow("SELECT tmpfile, etag, errorcount FROM downloadinfo WHERE path=?1", path)
	if err != nil {
		return info, j.sqlFail("getDownloadInfo", err)
	}
	err = row.Scan(&info.Tmpfile, &info.ETag, &info.ErrorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return info, nil
	}
	if err != nil {
		return info, j.sqlFail("scanning download info", err)
	}
	info.Valid = true
	return info, nil
}

// SetDownloadInfo stores the checkpoint; an info with Valid == false deletes
// the row instead.
func (j *Journal) SetDownloadInfo(path string, info DownloadInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return err
	}
	if info.Valid {
		_, err := j.g.exec("INSERT OR REPLACE INTO downloadinfo (path, tmpfile, etag, errorcount) VALUES (?1, ?2, ?3, ?4)",
			path, info.Tmpfile, info.ETag, info.ErrorCount)
		if err != nil {
			return j.sqlFail("setDownloadInfo", err)
		}
		return nil
	}
	if _, err := j.g.exec("DELETE FROM downloadinfo WHERE path=?1", path); err != nil {
		return j.sqlFail("deleteDownloadInfo", err)
	}
	return nil
}

// DeleteDownloadInfo removes the checkpoint for path.
func (j *Journal) DeleteDownloadInfo(path string) error {
	return j.SetDownloadInfo(path, DownloadInfo{})
}

// GetAndDeleteStaleDownloadInfos removes every download checkpoint whose
// path is not in keep and returns the removed entries, so the caller can
// delete the orphaned temporary files.
func (j *Journal) GetAndDeleteStaleDownloadInfos(keep map[string]bool) ([]DownloadInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return nil, err
	}

	rows, err := j.g.query("SELECT tmpfile, etag, errorcount, path FROM downloadinfo")
	if err != nil {
		return nil, j.sqlFail("stale download select", err)
	}
	var stalePaths []string
	var stale []DownloadInfo
	for rows.Next() {
		var info DownloadInfo
		var path string
		if err := rows.Scan(&info.Tmpfile, &info.ETag, &info.ErrorCount, &path); err != nil {
			rows.Close()
			return nil, j.sqlFail("stale download scan", err)
		}
		if !keep[path] {
			info.Valid = true
			stalePaths = append(stalePaths, path)
			stale = append(stale, info)
		}
	}
	rows.Close()

	for _, p := range stalePaths {
		if _, err := j.g.exec("DELETE FROM downloadinfo WHERE path=?1", p); err != nil {
			return nil, j.sqlFail("stale download delete", err)
		}
	}
	return stale, nil
}

// DownloadInfoCount returns the number of download checkpoints.
func (j *Journal) DownloadInfoCount() (int, error) {
	return j.countRows("downloadinfo")
}

// ---- upload info ----

// GetUploadInfo returns the upload checkpoint for path. Valid is false when
// no row exists.
func (j *Journal) GetUploadInfo(path string) (UploadInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var info UploadInfo
	if err := j.checkConnect(); err != nil {
		return info, err
	}
	row, err := j.g.queryRow("SELECT chunk, transferid, errorcount, size, modtime FROM uploadinfo WHERE path=?1", path)
	if err != nil {
		return info, j.sqlFail("getUploadInfo", err)
	}
	err = row.Scan(&info.Chunk, &info.TransferID, &info.ErrorCount, &info.Size, &info.Modtime)
	if errors.Is(err, sql.ErrNoRows) {
		return info, nil
	}
	if err != nil {
		return info, j.sqlFail("scanning upload info", err)
	}
	info.Valid = true
	return info, nil
}

// SetUploadInfo stores the checkpoint; an info with Valid == false deletes
// the row instead.
func (j *Journal) SetUploadInfo(path string, info UploadInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return err
	}
	if info.Valid {
		_, err := j.g.exec("INSERT OR REPLACE INTO uploadinfo (path, chunk, transferid, errorcount, size, modtime) VALUES (?1, ?2, ?3, ?4, ?5, ?6)",
			path, info.Chunk, info.TransferID, info.ErrorCount, info.Size, info.Modtime)
		if err != nil {
			return j.sqlFail("setUploadInfo", err)
		}
		return nil
	}
	if _, err := j.g.exec("DELETE FROM uploadinfo WHERE path=?1", path); err != nil {
		return j.sqlFail("deleteUploadInfo", err)
	}
	return nil
}

// DeleteUploadInfo removes the checkpoint for path.
func (j *Journal) DeleteUploadInfo(path string) error {
	return j.SetUploadInfo(path, UploadInfo{})
}

// DeleteStaleUploadInfos removes upload checkpoints whose path is not in keep.
func (j *Journal) DeleteStaleUploadInfos(keep map[string]bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return err
	}
	return j.deleteStaleByPath("uploadinfo", keep)
}

// deleteStaleByPath removes rows of table whose path column is not in keep.
// Callers hold the mutex and have connected.
func (j *Journal) deleteStaleByPath(table string, keep map[string]bool) error {
	rows, err := j.g.query("SELECT path FROM " + table)
	if err != nil {
		return j.sqlFail("stale "+table+" select", err)
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return j.sqlFail("stale "+table+" scan", err)
		}
		if !keep[path] {
			stale = append(stale, path)
		}
	}
	rows.Close()

	for _, p := range stale {
		if _, err := j.g.exec("DELETE FROM "+table+" WHERE path=?1", p); err != nil {
			return j.sqlFail("stale "+table+" delete", err)
		}
	}
	return nil
}

// ---- blacklist ----

// BlacklistEntry returns the blacklist row for path, or nil if none exists.
// On case-preserving filesystems the lookup is case-insensitive.
func (j *Journal) BlacklistEntry(path string) (*BlacklistEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if path == "" {
		return nil, nil
	}
	if err := j.checkConnect(); err != nil {
		return nil, err
	}

	row, err := j.g.queryRow(j.blacklistSelectSQL, path)
	if err != nil {
		return nil, j.sqlFail("blacklistEntry", err)
	}

	var (
		entry          BlacklistEntry
		lastTryTime    sql.NullInt64
		ignoreDuration sql.NullInt64
	)
	err = row.Scan(&entry.LastTryEtag, &entry.LastTryModtime, &entry.RetryCount, &entry.ErrorString, &lastTryTime, &ignoreDuration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, j.sqlFail("scanning blacklist entry", err)
	}
	entry.Path = path
	entry.LastTryTime = lastTryTime.Int64
	entry.IgnoreDuration = ignoreDuration.Int64
	return &entry, nil
}

// UpdateBlacklistEntry inserts or replaces the blacklist row for entry.Path.
func (j *Journal) UpdateBlacklistEntry(entry BlacklistEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return err
	}
	_, err := j.g.exec("INSERT OR REPLACE INTO blacklist "+
		"(path, lastTryEtag, lastTryModtime, retrycount, errorstring, lastTryTime, ignoreDuration) "+
		"VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)",
		entry.Path, entry.LastTryEtag, entry.LastTryModtime, entry.RetryCount,
		entry.ErrorString, entry.LastTryTime, entry.IgnoreDuration)
	if err != nil {
		return j.sqlFail("updateBlacklistEntry", err)
	}
	j.log.Debug("set blacklist entry", "path", entry.Path,
		"retryCount", entry.RetryCount, "ignoreDuration", entry.IgnoreDuration)
	return nil
}

// WipeBlacklistEntry removes the blacklist row for path.
func (j *Journal) WipeBlacklistEntry(path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if path == "" {
		return nil
	}
	if err := j.checkConnect(); err != nil {
		return err
	}
	if _, err := j.g.exec("DELETE FROM blacklist WHERE path=?1", path); err != nil {
		return j.sqlFail("wipeBlacklistEntry", err)
	}
	return nil
}

// WipeBlacklist empties the blacklist and returns the number of rows deleted.
func (j *Journal) WipeBlacklist() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return -1, err
	}
	res, err := j.g.exec("DELETE FROM blacklist")
	if err != nil {
		return -1, j.sqlFail("wipeBlacklist", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return -1, fmt.Errorf("wipeBlacklist rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteStaleBlacklistEntries removes blacklist rows whose path is not in keep.
func (j *Journal) DeleteStaleBlacklistEntries(keep map[string]bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return err
	}
	return j.deleteStaleByPath("blacklist", keep)
}

// BlacklistEntries returns all blacklist rows ordered by path.
func (j *Journal) BlacklistEntries() ([]BlacklistEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return nil, err
	}
	rows, err := j.g.query("SELECT path, lastTryEtag, lastTryModtime, retrycount, " +
		"errorstring, lastTryTime, ignoreDuration FROM blacklist ORDER BY path")
	if err != nil {
		return nil, j.sqlFail("blacklistEntries", err)
	}
	defer rows.Close()

	var entries []BlacklistEntry
	for rows.Next() {
		var (
			entry          BlacklistEntry
			lastTryTime    sql.NullInt64
			ignoreDuration sql.NullInt64
		)
		if err := rows.Scan(&entry.Path, &entry.LastTryEtag, &entry.LastTryModtime,
			&entry.RetryCount, &entry.ErrorString, &lastTryTime, &ignoreDuration); err != nil {
			return nil, j.sqlFail("scanning blacklist entries", err)
		}
		entry.LastTryTime = lastTryTime.Int64
		entry.IgnoreDuration = ignoreDuration.Int64
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, j.sqlFail("iterating blacklist entries", err)
	}
	return entries, nil
}

// BlacklistEntryCount returns the number of blacklist rows.
func (j *Journal) BlacklistEntryCount() (int, error) {
	return j.countRows("blacklist")
}

// ---- poll info ----

// PollInfos returns all outstanding poll continuations.
func (j *Journal) PollInfos() ([]PollInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return nil, err
	}
	rows, err := j.g.query("SELECT path, modtime, pollpath FROM poll")
	if err != nil {
		return nil, j.sqlFail("getPollInfos", err)
	}
	defer rows.Close()

	var infos []PollInfo
	for rows.Next() {
		var info PollInfo
		if err := rows.Scan(&info.Path, &info.Modtime, &info.URL); err != nil {
			return nil, j.sqlFail("scanning poll info", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// SetPollInfo stores a poll continuation; an info with an empty URL deletes
// the row for its path.
func (j *Journal) SetPollInfo(info PollInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return err
	}
	if info.URL == "" {
		if _, err := j.g.exec("DELETE FROM poll WHERE path=?1", info.Path); err != nil {
			return j.sqlFail("deletePollInfo", err)
		}
		return nil
	}
	if _, err := j.g.exec("INSERT OR REPLACE INTO poll (path, modtime, pollpath) VALUES (?1, ?2, ?3)",
		info.Path, info.Modtime, info.URL); err != nil {
		return j.sqlFail("setPollInfo", err)
	}
	return nil
}

// ---- invalidation filters ----

// AvoidRenamesOnNextSync clears the fileid and inode of path and all its
// descendants, which defeats the rename detector for that subtree, and then
// invalidates the etag chain above it.
func (j *Journal) AvoidRenamesOnNextSync(path string) error {
	j.mu.Lock()

	if err := j.checkConnect(); err != nil {
		j.mu.Unlock()
		return err
	}
	_, err := j.g.exec("UPDATE metadata SET fileid = '', inode = '0' WHERE path == ?1 OR path LIKE(?2||'/%')", path, path)
	if err != nil {
		defer j.mu.Unlock()
		return j.sqlFail("avoidRenamesOnNextSync", err)
	}

	// The etag invalidation takes the mutex itself; release it around the
	// call to avoid recursion on the same lock.
	j.mu.Unlock()
	return j.AvoidReadFromDbOnNextSync(path)
}

// AvoidReadFromDbOnNextSync makes sure the next run re-queries the server
// for path instead of trusting the journal: every directory row on the path
// above it gets the InvalidETag sentinel, and an in-memory filter keeps
// later SetFileRecord calls from restoring a real etag this run.
func (j *Journal) AvoidReadFromDbOnNextSync(path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkConnect(); err != nil {
		return err
	}
	_, err := j.g.exec("UPDATE metadata SET md5=?1 WHERE ?2 LIKE(path||'/%') AND type == 2", InvalidETag, path)
	if err != nil {
		return j.sqlFail("avoidReadFromDbOnNextSync", err)
	}

	j.avoidReadFilter = append(j.avoidReadFilter, path)
	return nil
}
