package propagator

import (
	"context"
	"os"

	"davsync/internal/journal"
)

// CleanupJournal reconciles the journal's side tables against the
// authoritative set of paths seen by the completed run: stale metadata rows
// go away, orphaned resume checkpoints are dropped and their temporary
// files deleted, and blacklist entries for vanished paths are wiped.
func (p *Propagator) CleanupJournal(seen map[string]bool) error {
	stale, err := p.journal.GetAndDeleteStaleDownloadInfos(seen)
	if err != nil {
		return err
	}
	for _, info := range stale {
		if info.Tmpfile == "" {
			continue
		}
		if err := os.Remove(p.fullPath(info.Tmpfile)); err != nil && !os.IsNotExist(err) {
			p.log.Warn("could not remove stale temporary file", "tmpfile", info.Tmpfile, "error", err)
		}
	}
	if err := p.journal.DeleteStaleUploadInfos(seen); err != nil {
		return err
	}
	if err := p.journal.DeleteStaleBlacklistEntries(seen); err != nil {
		return err
	}
	return p.journal.PostSyncCleanup(seen)
}

// ReplayPolls resumes asynchronous server-side jobs left over from a
// previous run, typically chunked uploads whose final assembly outlived the
// process. Finished jobs get their metadata row written; jobs that are
// still running stay in the poll table for the next attempt.
func (p *Propagator) ReplayPolls(ctx context.Context) error {
	infos, err := p.journal.PollInfos()
	if err != nil {
		return err
	}
	for _, info := range infos {
		res, err := p.remote.Poll(ctx, info.URL)
		if err != nil {
			p.log.Warn("poll replay failed", "path", info.Path, "error", err)
			continue
		}
		if res.ETag == "" {
			continue
		}
		rec := journal.FileRecord{
			Path:    info.Path,
			Inode:   fileInode(p.fullPath(info.Path)),
			Modtime: info.Modtime,
			Type:    journal.TypeFile,
			ETag:    res.ETag,
			FileID:  res.FileID,
		}
		if err := p.journal.SetFileRecord(rec); err != nil {
			return err
		}
		if err := p.journal.SetPollInfo(journal.PollInfo{Path: info.Path}); err != nil {
			return err
		}
	}
	return nil
}
