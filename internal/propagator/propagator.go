package propagator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	"davsync/internal/journal"
	"davsync/internal/logging"
)

// Settings is the immutable resource budget of one propagator, captured at
// construction.
type Settings struct {
	// MaxParallel is the hard cap on concurrently running leaves.
	MaxParallel int
	// ChunkSize is the chunked-upload threshold and block size in bytes.
	ChunkSize int64
	// FreeSpaceLimit and CriticalFreeSpaceLimit are the disk space
	// thresholds checked before every download.
	FreeSpaceLimit         int64
	CriticalFreeSpaceLimit int64
}

func (s Settings) withDefaults() Settings {
	if s.MaxParallel <= 0 {
		s.MaxParallel = 6
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = 10 * 1024 * 1024
	}
	if s.FreeSpaceLimit <= 0 {
		s.FreeSpaceLimit = 250 * 1024 * 1024
	}
	if s.CriticalFreeSpaceLimit <= 0 {
		s.CriticalFreeSpaceLimit = 50 * 1024 * 1024
	}
	return s
}

// Options configures a Propagator beyond its required collaborators.
type Options struct {
	Settings Settings

	// SharedRoot marks a sync folder whose remote root is itself a share;
	// every path then counts as inside a shared directory.
	SharedRoot bool

	// RateLimiter throttles transfer bandwidth. While a finite limit is
	// set, the soft concurrency budget drops to one.
	RateLimiter *rate.Limiter

	Logger logging.Logger

	// OnItemCompleted and OnProgress are invoked on the propagator's loop
	// goroutine.
	OnItemCompleted func(*Item)
	OnProgress      func(item *Item, done int64)
}

// Propagator turns a sorted item vector into a tree of directory jobs and
// drives it to completion within the concurrency budget. All job state is
// owned by the loop goroutine inside Run; leaves execute their work in
// worker goroutines and post completions back to the loop.
type Propagator struct {
	journal  *journal.Journal
	remote   Remote
	localDir string
	log      logging.Logger
	settings Settings
	limiter  *rate.Limiter

	sharedRoot      bool
	onItemCompleted func(*Item)
	onProgress      func(*Item, int64)

	abortRequested    atomic.Bool
	committedSpace    atomic.Int64
	anotherSyncNeeded atomic.Bool

	leafCtx    context.Context
	leafCancel context.CancelFunc

	// Loop state, touched only by the Run goroutine.
	events          chan func()
	schedulePending bool
	activeLeaves    []*itemJob
	rootJob         *directoryJob
	finished        bool
	result          Status

	now func() int64
}

// New creates a propagator for one sync folder. The journal must belong to
// the same folder; remote is the transport collaborator.
func New(j *journal.Journal, remote Remote, localDir string, opts Options) *Propagator {
	log := opts.Logger
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Propagator{
		journal:         j,
		remote:          remote,
		localDir:        localDir,
		log:             log,
		settings:        opts.Settings.withDefaults(),
		limiter:         opts.RateLimiter,
		sharedRoot:      opts.SharedRoot,
		onItemCompleted: opts.OnItemCompleted,
		onProgress:      opts.OnProgress,
		now:             unixNow,
	}
}

// AnotherSyncNeeded reports whether this run left work that only a further
// full pass can finish.
func (p *Propagator) AnotherSyncNeeded() bool { return p.anotherSyncNeeded.Load() }

func (p *Propagator) setAnotherSyncNeeded() { p.anotherSyncNeeded.Store(true) }

func (p *Propagator) hardMaximumActiveJob() int {
	return p.settings.MaxParallel
}

func (p *Propagator) maximumActiveJob() int {
	if p.limiter != nil && p.limiter.Limit() != rate.Inf {
		// Low bandwidth: one transfer at a time gets it done sooner.
		return 1
	}
	soft := (p.hardMaximumActiveJob() + 1) / 2
	if soft < 1 {
		soft = 1
	}
	return soft
}

// Run propagates the given items and blocks until every job has terminated.
// The returned status is the most severe outcome among all items. Cancelling
// ctx aborts the run; remaining work completes as SoftError.
func (p *Propagator) Run(ctx context.Context, items []*Item) (Status, error) {
	if err := checkSorted(items); err != nil {
		return NoStatus, err
	}

	p.leafCtx, p.leafCancel = context.WithCancel(context.Background())
	defer p.leafCancel()

	p.events = make(chan func(), 256)
	p.finished = false
	p.result = NoStatus
	p.rootJob = p.buildRootJob(items)

	p.postSchedule()
	done := ctx.Done()
	for !p.finished {
		select {
		case <-done:
			done = nil
			p.Abort()
		case f := <-p.events:
			f()
		}
	}

	p.journal.Commit("propagation finished", false)
	return p.result, nil
}

// Abort is a one-way latch: queued work is dropped, running leaves are
// cancelled and complete as SoftError. Safe to call from any goroutine.
func (p *Propagator) Abort() {
	if p.abortRequested.Swap(true) {
		return
	}
	if p.leafCancel != nil {
		p.leafCancel()
	}
	p.post(func() {
		if p.rootJob != nil {
			p.rootJob.Abort()
		}
		p.postSchedule()
	})
}

func checkSorted(items []*Item) error {
	for i := 1; i < len(items); i++ {
		if items[i-1].Destination() > items[i].Destination() {
			return fmt.Errorf("item vector not sorted at %q > %q",
				items[i-1].Destination(), items[i].Destination())
		}
	}
	return nil
}

// buildRootJob consumes the sorted items once and materializes the job tree.
func (p *Propagator) buildRootJob(items []*Item) *directoryJob {
	root := newDirectoryJob(p, nil)

	type stackEntry struct {
		path string
		dir  *directoryJob
	}
	stack := []stackEntry{{"", root}}

	var directoriesToRemove []job
	var lastRemovedDir *directoryJob
	removedDirectory := ""

	for i, item := range items {
		if removedDirectory != "" && strings.HasPrefix(item.File, removedDirectory) {
			// This item lives in a directory which is going to be removed.
			switch {
			case item.Instruction == InstructionRemove:
				// Already taken care of by the removal of the parent.
				if lastRemovedDir != nil {
					lastRemovedDir.increaseAffectedCount()
				}
				continue
			case item.Instruction == InstructionNew || item.Instruction == InstructionTypeChange:
				// Something fresh inside a tree that is going away; left
				// over from an aborted upload of a now-deleted tree.
				if lastRemovedDir != nil {
					lastRemovedDir.increaseAffectedCount()
				}
				continue
			case item.Instruction == InstructionIgnore:
				continue
			case item.Instruction == InstructionRename:
				// Fine: the rename executes before the directory deletion.
			default:
				p.log.Warn("job within a removed directory", "path", item.File,
					"instruction", item.Instruction.String())
			}
		}

		for len(stack) > 1 && !strings.HasPrefix(item.Destination(), stack[len(stack)-1].path) {
			stack = stack[:len(stack)-1]
		}
		top := stack[len(stack)-1].dir

		switch {
		case item.IsDirectory:
			dir := newDirectoryJob(p, item)

			if item.Instruction == InstructionTypeChange && item.Direction == DirectionUp {
				// A local directory replaced a remote file. The permission
				// checks for the children ran against the old file, so the
				// subtree is deferred to the next run.
				prefix := item.Destination() + "/"
				for _, later := range items[i+1:] {
					if strings.HasPrefix(later.Destination(), prefix) &&
						later.Instruction != InstructionNone {
						later.Instruction = InstructionNone
						p.setAnotherSyncNeeded()
					}
				}
			}

			if item.Instruction == InstructionRemove {
				// Directory removals run at the very end, because renames
				// out of these directories happen earlier in the run.
				directoriesToRemove = append([]job{dir}, directoriesToRemove...)
				lastRemovedDir = dir
				removedDirectory = item.File + "/"

				// Don't refresh the etags of the parents of a removed
				// directory in the same run.
				for _, e := range stack {
					if e.dir.item != nil && e.dir.item.Instruction == InstructionUpdateMetadata {
						e.dir.item.Instruction = InstructionNone
					}
				}
			} else {
				top.appendJob(dir)
			}
			stack = append(stack, stackEntry{item.Destination() + "/", dir})

		case item.Instruction == InstructionTypeChange:
			// A file replacing a directory will delete that directory, so
			// it is deferred like a directory removal.
			if leaf := p.createLeaf(item); leaf != nil {
				directoriesToRemove = append([]job{leaf}, directoriesToRemove...)
				lastRemovedDir = nil
				removedDirectory = item.File + "/"
			}

		default:
			top.appendTask(item)
		}
	}

	for _, j := range directoriesToRemove {
		root.appendJob(j)
	}
	return root
}

// createJob materializes the job for one non-directory task item, or nil
// when the item needs no work.
func (p *Propagator) createJob(item *Item) job {
	leaf := p.createLeaf(item)
	if leaf == nil {
		return nil
	}
	return leaf
}

// createLeaf builds the concrete leaf for an item. Directory items yield the
// directory's first job (mkdir, remove or nothing for metadata-only syncs).
func (p *Propagator) createLeaf(item *Item) *itemJob {
	leaf := func(name string, op operation, par Parallelism) *itemJob {
		return &itemJob{p: p, item: item, op: op, par: par, name: name}
	}
	ctxOp := func(f func(ctx context.Context, item *Item) (Status, string)) operation {
		return func(ctx context.Context) (Status, string) { return f(ctx, item) }
	}

	switch item.Instruction {
	case InstructionRemove:
		if item.Direction == DirectionDown {
			return leaf("local remove", ctxOp(p.localRemoveOp), FullParallelism)
		}
		return leaf("remote delete", ctxOp(p.remoteDeleteOp), FullParallelism)

	case InstructionNew, InstructionTypeChange:
		if item.IsDirectory {
			if item.Direction == DirectionDown {
				return leaf("local mkdir", ctxOp(p.localMkdirOp), WaitForFinishedInParentDirectory)
			}
			return leaf("remote mkdir", ctxOp(p.remoteMkdirOp), WaitForFinishedInParentDirectory)
		}
		return p.transferLeaf(item)

	case InstructionSync, InstructionConflict:
		if item.IsDirectory {
			// Directory etag refresh happens in the directory's post-step.
			return nil
		}
		return p.transferLeaf(item)

	case InstructionRename:
		if item.Direction == DirectionDown {
			return leaf("local rename", ctxOp(p.localRenameOp), WaitForFinishedInParentDirectory)
		}
		// Remote moves must not interleave with other operations: the
		// target directory may be about to be removed.
		return leaf("remote move", ctxOp(p.remoteMoveOp), WaitForFinished)

	case InstructionIgnore, InstructionError:
		return leaf("ignore", ctxOp(p.ignoreOp), FullParallelism)

	case InstructionUpdateMetadata:
		if item.IsDirectory {
			return nil
		}
		return leaf("update metadata", ctxOp(p.updateMetadataOp), FullParallelism)
	}
	return nil
}

func (p *Propagator) transferLeaf(item *Item) *itemJob {
	j := &itemJob{p: p, item: item, transfer: true, par: FullParallelism}
	if item.Direction == DirectionDown {
		j.name = "download"
		j.reserve = item.Size
		j.op = func(ctx context.Context) (Status, string) { return p.downloadOp(ctx, item) }
	} else {
		j.name = "upload"
		j.op = func(ctx context.Context) (Status, string) { return p.uploadOp(ctx, item) }
	}
	return j
}

// ---- loop plumbing ----

// post queues f for execution on the loop goroutine.
func (p *Propagator) post(f func()) {
	if p.events == nil {
		return
	}
	p.events <- f
}

// postSchedule arms one scheduling pass; multiple requests collapse.
func (p *Propagator) postSchedule() {
	if p.schedulePending {
		return
	}
	p.schedulePending = true
	p.post(func() {
		p.schedulePending = false
		p.scheduleNextJob()
	})
}

func (p *Propagator) scheduleNextJob() {
	if p.finished || p.rootJob == nil {
		return
	}
	soft := p.maximumActiveJob()
	if len(p.activeLeaves) < soft {
		if p.rootJob.ScheduleSelfOrChild() {
			p.postSchedule()
		}
		return
	}
	if len(p.activeLeaves) < p.hardMaximumActiveJob() {
		// Only the first soft-budget jobs are counted. When one finishes,
		// another moves up and gets counted too.
		quick := 0
		for i := 0; i < soft && i < len(p.activeLeaves); i++ {
			if p.activeLeaves[i].likelyFinishedQuickly() {
				quick++
			}
		}
		if len(p.activeLeaves) < soft+quick {
			if p.rootJob.ScheduleSelfOrChild() {
				p.postSchedule()
			}
		}
	}
}

func (p *Propagator) registerActive(j *itemJob) {
	p.activeLeaves = append(p.activeLeaves, j)
	p.committedSpace.Add(j.reserve)
}

func (p *Propagator) unregisterActive(j *itemJob) {
	for i, a := range p.activeLeaves {
		if a == j {
			p.activeLeaves = append(p.activeLeaves[:i], p.activeLeaves[i+1:]...)
			break
		}
	}
	p.committedSpace.Add(-j.reserve)
}

func (p *Propagator) rootFinished(status Status) {
	p.finished = true
	p.result = status
	p.log.Info("propagation finished", "status", status.String(),
		"anotherSyncNeeded", p.anotherSyncNeeded.Load())
}

func (p *Propagator) reportItemCompleted(item *Item) {
	if p.onItemCompleted != nil {
		p.onItemCompleted(item)
	}
}

// reportProgress may be called from worker goroutines; the callback is
// delivered on the loop.
func (p *Propagator) reportProgress(item *Item, done int64) {
	if p.onProgress == nil {
		return
	}
	p.post(func() { p.onProgress(item, done) })
}

// ---- shared helpers ----

// isInSharedDirectory reports whether a path sits inside a share, either
// because the whole sync folder is one or by the Shared/ naming heuristic.
func (p *Propagator) isInSharedDirectory(file string) bool {
	if p.sharedRoot {
		return true
	}
	return file == "Shared" || strings.HasPrefix(file, "Shared/")
}

// fullPath maps a slash-separated relative sync path to the local
// filesystem.
func (p *Propagator) fullPath(rel string) string {
	return filepath.Join(p.localDir, filepath.FromSlash(rel))
}

// writeDirectoryRecord stores the metadata row of a propagated directory.
func (p *Propagator) writeDirectoryRecord(item *Item) error {
	rec := journal.FileRecord{
		Path:       item.File,
		Inode:      fileInode(p.fullPath(item.File)),
		Modtime:    item.Modtime,
		Type:       journal.TypeDirectory,
		ETag:       item.ETag,
		FileID:     item.FileID,
		RemotePerm: item.RemotePerm,
		FileSize:   item.Size,
	}
	return p.journal.SetFileRecord(rec)
}

type diskSpaceResult int

const (
	diskSpaceOK diskSpaceResult = iota
	diskSpaceFailure
	diskSpaceCritical
)

// diskSpaceCheck pre-flights a download against the free space on the sync
// folder's filesystem, net of space already committed to running downloads.
func (p *Propagator) diskSpaceCheck() diskSpaceResult {
	free := freeDiskSpace(p.localDir)
	if free < 0 {
		// Unknown free space is not a reason to stop syncing.
		return diskSpaceOK
	}
	avail := free - p.committedSpace.Load()
	if avail < p.settings.CriticalFreeSpaceLimit {
		return diskSpaceCritical
	}
	if avail < p.settings.FreeSpaceLimit {
		return diskSpaceFailure
	}
	return diskSpaceOK
}
