package propagator

// directoryJob materializes one directory and then runs its children. The
// first job (a mkdir, remove or metadata sync for the directory itself) must
// succeed before any child may start; the directory's own metadata row is
// written after every descendant has terminated.
type directoryJob struct {
	p      *Propagator
	parent jobParent
	st     jobState

	item     *Item // nil for the root job
	firstJob *itemJob
	subJobs  *compositeJob
}

func newDirectoryJob(p *Propagator, item *Item) *directoryJob {
	d := &directoryJob{p: p, item: item}
	d.subJobs = newCompositeJob(p, d.subJobsFinished)
	if item != nil {
		if leaf := p.createLeaf(item); leaf != nil {
			d.firstJob = leaf
			leaf.setParent(d)
		}
	}
	return d
}

func (d *directoryJob) appendJob(j job)       { d.subJobs.appendJob(j) }
func (d *directoryJob) appendTask(item *Item) { d.subJobs.appendTask(item) }
func (d *directoryJob) state() jobState       { return d.st }
func (d *directoryJob) setParent(p jobParent) { d.parent = p }

// increaseAffectedCount records one absorbed sibling operation, e.g. a child
// remove swallowed by this directory's remove.
func (d *directoryJob) increaseAffectedCount() {
	if d.item != nil {
		d.item.AffectedItems++
	}
}

func (d *directoryJob) ScheduleSelfOrChild() bool {
	if d.st == finished {
		return false
	}
	if d.st == notYetStarted {
		d.st = running
	}

	if d.firstJob != nil {
		switch d.firstJob.state() {
		case notYetStarted:
			return d.firstJob.ScheduleSelfOrChild()
		case running:
			// The directory does not exist yet; children must wait.
			return false
		}
	}
	return d.subJobs.ScheduleSelfOrChild()
}

func (d *directoryJob) Parallelism() Parallelism {
	if d.firstJob != nil && d.firstJob.state() != finished && d.firstJob.Parallelism() != FullParallelism {
		return WaitForFinishedInParentDirectory
	}
	if d.subJobs.Parallelism() != FullParallelism {
		return WaitForFinishedInParentDirectory
	}
	return FullParallelism
}

func (d *directoryJob) CommittedDiskSpace() int64 {
	var total int64
	if d.firstJob != nil && d.firstJob.state() == running {
		total += d.firstJob.CommittedDiskSpace()
	}
	return total + d.subJobs.CommittedDiskSpace()
}

func (d *directoryJob) Abort() {
	if d.firstJob != nil && d.firstJob.state() == running {
		d.firstJob.Abort()
	}
	d.subJobs.Abort()
}

// childFinished handles the first job only; ordinary children report to the
// composite directly.
func (d *directoryJob) childFinished(child job, status Status) {
	if child != d.firstJob {
		return
	}
	if status != Success && status != Restoration {
		// The directory could not be materialized; the whole subtree is
		// doomed.
		if d.st != finished {
			d.subJobs.Abort()
			d.finish(status)
		}
		return
	}
	// A remote mkdir learns the new directory's server identity; carry it
	// into the metadata row written at the end.
	d.p.postSchedule()
}

func (d *directoryJob) subJobsFinished(status Status) {
	if d.st == finished {
		return
	}
	if d.item != nil && status == Success {
		if d.item.RenameTarget != "" {
			d.item.File = d.item.RenameTarget
		}
		if d.item.Instruction != InstructionRemove && d.item.Instruction != InstructionNone {
			if err := d.p.writeDirectoryRecord(d.item); err != nil {
				d.p.log.Error("metadata write failed", "path", d.item.File, "error", err)
				status = FatalError
				d.item.ErrorString = "Error writing metadata to the database"
			}
		}
	}
	d.finish(status)
}

func (d *directoryJob) finish(status Status) {
	d.st = finished
	// The directory's own item completion was already reported by the first
	// job; only items that never ran a leaf are reported here.
	if d.item != nil && d.item.Status == NoStatus {
		d.item.Status = status
		d.p.reportItemCompleted(d.item)
	}
	if d.parent != nil {
		d.parent.childFinished(d, status)
		return
	}
	d.p.rootFinished(status)
}
