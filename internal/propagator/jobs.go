package propagator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"davsync/internal/journal"
)

const (
	// maxTransferErrors is how often a resumable transfer may fail before
	// its checkpoint and partial data are discarded.
	maxTransferErrors = 3

	pollInterval = 5 * time.Second
)

// classifyRemoteError maps a failed transport call to an item status. The
// HTTP code is recorded on the item for the restoration policy.
func classifyRemoteError(item *Item, res RemoteResult, err error) (Status, string) {
	item.HTTPErrorCode = res.StatusCode
	if errors.Is(err, context.Canceled) {
		return SoftError, "Sync operation was aborted"
	}
	return NormalError, err.Error()
}

// originalPath is the pre-rename path a journal row is keyed under.
func originalPath(item *Item) string {
	if item.OriginalFile != "" {
		return item.OriginalFile
	}
	return item.File
}

func (p *Propagator) successStatus(item *Item) Status {
	if item.IsRestoration {
		return Restoration
	}
	return Success
}

// recordFromItem builds the metadata row for a propagated item, pulling
// inode and mode from the local filesystem.
func (p *Propagator) recordFromItem(item *Item) journal.FileRecord {
	typ := journal.TypeFile
	if item.IsDirectory {
		typ = journal.TypeDirectory
	}
	rec := journal.FileRecord{
		Path:       item.Destination(),
		Modtime:    item.Modtime,
		Type:       typ,
		ETag:       item.ETag,
		FileID:     item.FileID,
		RemotePerm: item.RemotePerm,
		FileSize:   item.Size,
	}
	full := p.fullPath(rec.Path)
	rec.Inode = fileInode(full)
	if fi, err := os.Lstat(full); err == nil {
		rec.Mode = uint32(fi.Mode().Perm())
		if rec.Modtime == 0 {
			rec.Modtime = fi.ModTime().Unix()
		}
	}
	return rec
}

// ---- local filesystem leaves ----

func (p *Propagator) localRemoveOp(_ context.Context, item *Item) (Status, string) {
	target := p.fullPath(item.File)
	var err error
	if item.IsDirectory {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
		if os.IsNotExist(err) {
			// Deleting something that is already gone is a success.
			err = nil
		}
	}
	if err != nil {
		return NormalError, err.Error()
	}
	if err := p.journal.DeleteFileRecord(originalPath(item), item.IsDirectory); err != nil {
		return FatalError, "Error writing metadata to the database"
	}
	return p.successStatus(item), ""
}

func (p *Propagator) localMkdirOp(_ context.Context, item *Item) (Status, string) {
	target := p.fullPath(item.File)
	if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
		// A file sits where the directory belongs; move it out of the way.
		if err := os.Rename(target, conflictName(target, time.Now())); err != nil {
			return NormalError, err.Error()
		}
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return NormalError, err.Error()
	}
	return p.successStatus(item), ""
}

func (p *Propagator) localRenameOp(_ context.Context, item *Item) (Status, string) {
	src := p.fullPath(item.File)
	dst := p.fullPath(item.RenameTarget)
	if err := os.Rename(src, dst); err != nil {
		return NormalError, err.Error()
	}
	return p.finishRename(item)
}

// ---- remote leaves ----

func (p *Propagator) remoteDeleteOp(ctx context.Context, item *Item) (Status, string) {
	res, err := p.remote.Delete(ctx, item.File)
	if err != nil && res.StatusCode != 404 {
		// 404: the file is already gone on the server, which is what we
		// wanted anyway.
		return classifyRemoteError(item, res, err)
	}
	if err := p.journal.DeleteFileRecord(originalPath(item), item.IsDirectory); err != nil {
		return FatalError, "Error writing metadata to the database"
	}
	return p.successStatus(item), ""
}

func (p *Propagator) remoteMkdirOp(ctx context.Context, item *Item) (Status, string) {
	res, err := p.remote.MkCol(ctx, item.File)
	if err != nil && res.StatusCode != 405 {
		// 405: the collection already exists.
		return classifyRemoteError(item, res, err)
	}
	if res.ETag != "" {
		item.ETag = res.ETag
	}
	if res.FileID != "" {
		item.FileID = res.FileID
	}
	return p.successStatus(item), ""
}

func (p *Propagator) remoteMoveOp(ctx context.Context, item *Item) (Status, string) {
	res, err := p.remote.Move(ctx, item.File, item.RenameTarget)
	if err != nil {
		return classifyRemoteError(item, res, err)
	}
	if res.ETag != "" {
		item.ETag = res.ETag
	}
	return p.finishRename(item)
}

// finishRename rewrites the journal after a successful rename on either
// side. Directory renames invalidate the subtree so the next run rebuilds
// the rows under the new paths.
func (p *Propagator) finishRename(item *Item) (Status, string) {
	if err := p.journal.DeleteFileRecord(originalPath(item), item.IsDirectory); err != nil {
		return FatalError, "Error writing metadata to the database"
	}
	if item.IsDirectory {
		if err := p.journal.AvoidReadFromDbOnNextSync(item.RenameTarget); err != nil {
			return FatalError, "Error writing metadata to the database"
		}
		p.setAnotherSyncNeeded()
		return p.successStatus(item), ""
	}
	if err := p.journal.SetFileRecord(p.recordFromItem(item)); err != nil {
		return FatalError, "Error writing metadata to the database"
	}
	return p.successStatus(item), ""
}

// ---- transfers ----

func (p *Propagator) downloadOp(ctx context.Context, item *Item) (Status, string) {
	switch p.diskSpaceCheck() {
	case diskSpaceCritical:
		return FatalError, fmt.Sprintf("Free space on disk is below the critical limit of %d bytes, aborting sync", p.settings.CriticalFreeSpaceLimit)
	case diskSpaceFailure:
		return NormalError, fmt.Sprintf("Not enough free space on disk to download %s", item.File)
	}

	target := p.fullPath(item.File)

	info, err := p.journal.GetDownloadInfo(item.File)
	if err != nil {
		return NormalError, err.Error()
	}
	tmpRel := info.Tmpfile
	resume := info.Valid && tmpRel != "" && info.ETag == item.ETag
	if !resume {
		dir := path.Dir(item.File)
		if dir == "." {
			dir = ""
		}
		tmpRel = path.Join(dir, "."+path.Base(item.File)+".~"+uuid.NewString()[:8])
	}
	tmpPath := p.fullPath(tmpRel)

	var offset int64
	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		if fi, err := os.Stat(tmpPath); err == nil {
			offset = fi.Size()
		}
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tmpPath, flags, 0o600)
	if err != nil {
		return NormalError, err.Error()
	}

	// Persist the checkpoint before the first byte arrives so an
	// interrupted transfer can be resumed.
	p.journal.SetDownloadInfo(item.File, journal.DownloadInfo{
		Tmpfile:    tmpRel,
		ETag:       item.ETag,
		ErrorCount: info.ErrorCount,
		Valid:      true,
	})

	var w io.Writer = f
	if p.limiter != nil {
		w = newRateLimitedWriter(ctx, f, p.limiter)
	}
	done := offset
	res, err := p.remote.Get(ctx, item.File, w, offset, func(n int64) {
		done += n
		p.reportProgress(item, done)
	})
	f.Close()

	if err != nil {
		status, msg := classifyRemoteError(item, res, err)
		info.ErrorCount++
		if info.ErrorCount > maxTransferErrors {
			os.Remove(tmpPath)
			p.journal.DeleteDownloadInfo(item.File)
		} else {
			p.journal.SetDownloadInfo(item.File, journal.DownloadInfo{
				Tmpfile:    tmpRel,
				ETag:       item.ETag,
				ErrorCount: info.ErrorCount,
				Valid:      true,
			})
		}
		return status, msg
	}

	if res.ETag != "" {
		item.ETag = res.ETag
	}
	if res.FileID != "" {
		item.FileID = res.FileID
	}

	if item.Instruction == InstructionConflict {
		// Keep the locally modified copy next to the downloaded one.
		if err := os.Rename(target, conflictName(target, time.Now())); err != nil && !os.IsNotExist(err) {
			return NormalError, err.Error()
		}
	}
	if item.Instruction == InstructionTypeChange {
		if err := os.RemoveAll(target); err != nil {
			return NormalError, err.Error()
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return NormalError, err.Error()
	}
	if item.Modtime > 0 {
		mt := time.Unix(item.Modtime, 0)
		os.Chtimes(target, mt, mt)
	}

	p.journal.DeleteDownloadInfo(item.File)
	if err := p.journal.SetFileRecord(p.recordFromItem(item)); err != nil {
		return FatalError, "Error writing metadata to the database"
	}
	return p.successStatus(item), ""
}

func (p *Propagator) uploadOp(ctx context.Context, item *Item) (Status, string) {
	full := p.fullPath(item.File)
	fi, err := os.Stat(full)
	if err != nil {
		p.setAnotherSyncNeeded()
		return SoftError, "Local file vanished before upload"
	}
	if fi.ModTime().Unix() != item.Modtime || fi.Size() != item.Size {
		// Uploading a file that changed under us would push inconsistent
		// data; the next run picks up the new state.
		p.setAnotherSyncNeeded()
		return SoftError, "Local file changed during sync"
	}

	f, err := os.Open(full)
	if err != nil {
		return NormalError, err.Error()
	}
	defer f.Close()

	var res RemoteResult
	size := fi.Size()
	if size > p.settings.ChunkSize {
		res, err = p.uploadChunked(ctx, item, f, size)
	} else {
		var r io.Reader = f
		if p.limiter != nil {
			r = newRateLimitedReader(ctx, f, p.limiter)
		}
		var done int64
		res, err = p.remote.Put(ctx, item.File, r, size, item.Modtime, func(n int64) {
			done += n
			p.reportProgress(item, done)
		})
	}
	if err != nil {
		return classifyRemoteError(item, res, err)
	}

	if res.PollURL != "" {
		// The server assembles the file asynchronously; the continuation
		// survives a crash through the poll table.
		p.journal.SetPollInfo(journal.PollInfo{Path: item.File, Modtime: item.Modtime, URL: res.PollURL})
		res, err = p.pollTransfer(ctx, item, res.PollURL)
		if err != nil {
			return classifyRemoteError(item, res, err)
		}
	}

	if res.ETag != "" {
		item.ETag = res.ETag
	}
	if res.FileID != "" {
		item.FileID = res.FileID
	}

	p.journal.DeleteUploadInfo(item.File)
	if err := p.journal.SetFileRecord(p.recordFromItem(item)); err != nil {
		return FatalError, "Error writing metadata to the database"
	}
	return p.successStatus(item), ""
}

func (p *Propagator) uploadChunked(ctx context.Context, item *Item, f *os.File, size int64) (RemoteResult, error) {
	chunkSize := p.settings.ChunkSize
	totalChunks := int((size + chunkSize - 1) / chunkSize)

	info, err := p.journal.GetUploadInfo(item.File)
	if err != nil {
		return RemoteResult{}, err
	}
	transferID := info.TransferID
	startChunk := info.Chunk
	if !info.Valid || info.Size != size || info.Modtime != item.Modtime {
		// No resumable state for this exact file content; start over.
		transferID = uuid.New().ID()
		startChunk = 0
		info.ErrorCount = 0
	}

	var res RemoteResult
	uploaded := int64(startChunk) * chunkSize
	for c := startChunk; c < totalChunks; c++ {
		off := int64(c) * chunkSize
		length := chunkSize
		if off+length > size {
			length = size - off
		}
		var r io.Reader = io.NewSectionReader(f, off, length)
		if p.limiter != nil {
			r = newRateLimitedReader(ctx, r, p.limiter)
		}
		res, err = p.remote.PutChunk(ctx, item.File, transferID, c, totalChunks, r, length, item.Modtime, func(n int64) {
			uploaded += n
			p.reportProgress(item, uploaded)
		})
		if err != nil {
			if res.StatusCode >= 400 && res.StatusCode < 500 {
				// The server rejected the chunk outright; resuming this
				// transfer id will not help.
				p.journal.DeleteUploadInfo(item.File)
			} else {
				p.journal.SetUploadInfo(item.File, journal.UploadInfo{
					Chunk:      c,
					TransferID: transferID,
					ErrorCount: info.ErrorCount + 1,
					Size:       size,
					Modtime:    item.Modtime,
					Valid:      true,
				})
			}
			return res, err
		}
		p.journal.SetUploadInfo(item.File, journal.UploadInfo{
			Chunk:      c + 1,
			TransferID: transferID,
			ErrorCount: info.ErrorCount,
			Size:       size,
			Modtime:    item.Modtime,
			Valid:      true,
		})
	}
	return res, nil
}

func (p *Propagator) pollTransfer(ctx context.Context, item *Item, url string) (RemoteResult, error) {
	for {
		res, err := p.remote.Poll(ctx, url)
		if err != nil {
			return res, err
		}
		if res.ETag != "" {
			p.journal.SetPollInfo(journal.PollInfo{Path: item.File})
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ---- bookkeeping leaves ----

func (p *Propagator) ignoreOp(_ context.Context, item *Item) (Status, string) {
	if item.Instruction == InstructionError {
		return NormalError, item.ErrorString
	}
	return FileIgnored, item.ErrorString
}

func (p *Propagator) updateMetadataOp(_ context.Context, item *Item) (Status, string) {
	if err := p.journal.SetFileRecord(p.recordFromItem(item)); err != nil {
		return FatalError, "Error writing metadata to the database"
	}
	return Success, ""
}

// conflictName inserts a timestamped conflict marker before the extension.
func conflictName(fullPath string, t time.Time) string {
	ext := filepath.Ext(fullPath)
	base := fullPath[:len(fullPath)-len(ext)]
	return base + "_conflict-" + t.Format("20060102-150405") + ext
}
