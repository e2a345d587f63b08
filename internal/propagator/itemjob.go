package propagator

import (
	"context"
	"time"
)

// operation is the actual work of a leaf, executed off the loop goroutine.
// It returns the terminal status and a user-visible message.
type operation func(ctx context.Context) (Status, string)

// itemJob is a leaf of the propagation tree: one concrete transfer or
// filesystem operation for one item. Completion funnels through the
// restoration and blacklist policies before the parent is notified.
type itemJob struct {
	p      *Propagator
	parent jobParent
	st     jobState

	item *Item
	op   operation
	par  Parallelism
	name string

	// transfer marks download/upload leaves; only those can be slow enough
	// to matter for the likely-finished-quickly heuristic.
	transfer bool

	// reserve is the disk space the job consumes while running.
	reserve int64

	cancel context.CancelFunc

	restoreTried bool
	restoreMsg   string
}

func (j *itemJob) state() jobState       { return j.st }
func (j *itemJob) setParent(p jobParent) { j.parent = p }

func (j *itemJob) Parallelism() Parallelism { return j.par }

func (j *itemJob) CommittedDiskSpace() int64 {
	if j.st == running {
		return j.reserve
	}
	return 0
}

func (j *itemJob) likelyFinishedQuickly() bool {
	if j.transfer {
		return j.item.Size < 100*1024
	}
	return true
}

func (j *itemJob) ScheduleSelfOrChild() bool {
	if j.st != notYetStarted {
		return false
	}
	j.st = running
	j.p.registerActive(j)
	j.p.log.Debug("starting job", "job", j.name, "path", j.item.File,
		"instruction", j.item.Instruction.String())

	ctx, cancel := context.WithCancel(j.p.leafCtx)
	j.cancel = cancel
	op := j.op
	go func() {
		defer cancel()
		status, msg := op(ctx)
		j.p.post(func() { j.complete(status, msg) })
	}()
	return true
}

func (j *itemJob) Abort() {
	if j.st == running && j.cancel != nil {
		j.cancel()
	}
}

// complete runs on the loop goroutine when the operation returns. Before the
// ordinary completion policy, a 403 inside a shared directory gets one shot
// at a compensating restoration job.
func (j *itemJob) complete(status Status, msg string) {
	if j.st == finished {
		return
	}
	if !j.restoreTried && status.IsError() && j.item.HTTPErrorCode == 403 &&
		j.p.isInSharedDirectory(j.item.File) {
		if j.startRestore(msg) {
			return
		}
	}
	j.done(status, msg)
}

// startRestore synthesizes the compensating job for an item that the server
// rejected with 403 inside a shared directory. Returns false when nothing
// can be restored.
func (j *itemJob) startRestore(msg string) bool {
	j.restoreTried = true
	restored := *j.item

	var op operation
	if !j.item.IsDirectory {
		switch restored.Instruction {
		case InstructionNew, InstructionTypeChange:
			// Pushing a new file was refused; there is no server copy to
			// recover.
			return false
		case InstructionSync:
			// We modified the file locally, keep both sides as a conflict.
			// The server reports no mtime without permissions, so stamp
			// with the current time. HACK, see the conflict naming.
			restored.Instruction = InstructionConflict
			restored.Modtime = time.Now().Unix()
		default:
			// The file was removed or renamed locally; pull the server
			// version back.
			restored.Instruction = InstructionSync
		}
		restored.Direction = DirectionDown
		op = func(ctx context.Context) (Status, string) {
			return j.p.downloadOp(ctx, &restored)
		}
	} else {
		// Directories are harder to recover. Recreate the directory and let
		// the next run pull the contents; renames based on the stale rows
		// must be defeated first.
		if err := j.p.journal.AvoidRenamesOnNextSync(j.item.File); err != nil {
			j.p.log.Warn("rename avoidance failed", "path", j.item.File, "error", err)
		}
		j.p.setAnotherSyncNeeded()
		op = func(ctx context.Context) (Status, string) {
			return j.p.localMkdirOp(ctx, &restored)
		}
	}

	restored.IsRestoration = true
	j.restoreMsg = msg
	j.p.log.Info("restoring item removed from read-only share", "path", j.item.File)
	go func() {
		status, rmsg := op(j.p.leafCtx)
		j.p.post(func() { j.restoreFinished(status, rmsg) })
	}()
	return true
}

func (j *itemJob) restoreFinished(status Status, rmsg string) {
	switch status {
	case Success, Conflict, Restoration:
		// The restoration worked, but the original operation did fail.
		j.done(SoftError, j.restoreMsg)
	default:
		j.done(status, "A file or directory was removed from a read only share, but restoring failed: "+rmsg)
	}
}

// done applies the abort downgrade and the blacklist policy, then reports
// the terminal status. It runs at most once.
func (j *itemJob) done(status Status, msg string) {
	if j.st == finished {
		return
	}
	item := j.item
	item.ErrorString = msg

	if j.p.abortRequested.Load() && (status == NormalError || status == FatalError) {
		// An abort request is ongoing; interrupted work is not a real
		// failure.
		status = SoftError
	}

	switch status {
	case NormalError, SoftError, FatalError:
		suppressed := blacklistUpdate(j.p.journal, j.p.log, item, status, j.p.now())
		if suppressed && item.HasBlacklistEntry && status != FatalError {
			// The item was blacklisted before and stays blacklisted.
			status = FileIgnored
			item.ErrorString = "Continue blacklisting: " + item.ErrorString
		}
	case Success, Restoration:
		if item.HasBlacklistEntry {
			j.p.journal.WipeBlacklistEntry(item.File)
			if item.OriginalFile != "" && item.OriginalFile != item.File {
				j.p.journal.WipeBlacklistEntry(item.OriginalFile)
			}
		}
	case Conflict, FileIgnored, NoStatus:
		// no blacklist bookkeeping
	}

	item.Status = status
	j.st = finished
	j.p.unregisterActive(j)
	j.p.reportItemCompleted(item)
	if status == FatalError {
		j.p.Abort()
	}
	j.parent.childFinished(j, status)
}
