package propagator

// compositeJob runs an ordered list of sub-jobs plus an ordered list of items
// that become sub-jobs lazily. It is the child container of every directory.
type compositeJob struct {
	p  *Propagator
	st jobState

	jobsToDo    []job
	tasksToDo   []*Item
	runningJobs []job

	// hasError remembers the most severe non-success status seen among
	// children; it becomes the composite's final status.
	hasError Status

	// onFinished is invoked exactly once when the composite drains.
	onFinished func(status Status)
}

func newCompositeJob(p *Propagator, onFinished func(Status)) *compositeJob {
	return &compositeJob{p: p, onFinished: onFinished}
}

func (c *compositeJob) appendJob(j job) {
	j.setParent(c)
	c.jobsToDo = append(c.jobsToDo, j)
}

func (c *compositeJob) appendTask(item *Item) {
	c.tasksToDo = append(c.tasksToDo, item)
}

func (c *compositeJob) empty() bool {
	return len(c.jobsToDo) == 0 && len(c.tasksToDo) == 0 && len(c.runningJobs) == 0
}

func (c *compositeJob) state() jobState { return c.st }

func (c *compositeJob) ScheduleSelfOrChild() bool {
	if c.st == finished {
		return false
	}
	c.st = running

	// Ask the running children first whether they have something new to
	// start. A running child that is not fully parallel blocks the rest of
	// the list until it finishes.
	for _, rj := range c.runningJobs {
		if rj.ScheduleSelfOrChild() {
			return true
		}
		if rj.Parallelism() != FullParallelism {
			return false
		}
	}

	// Materialize tasks into jobs until one is runnable. Items that need no
	// work produce no job and are dropped here.
	for len(c.jobsToDo) == 0 && len(c.tasksToDo) > 0 {
		item := c.tasksToDo[0]
		c.tasksToDo = c.tasksToDo[1:]
		j := c.p.createJob(item)
		if j == nil {
			continue
		}
		c.appendJob(j)
	}

	if len(c.jobsToDo) > 0 {
		next := c.jobsToDo[0]
		c.jobsToDo = c.jobsToDo[1:]
		c.runningJobs = append(c.runningJobs, next)
		return next.ScheduleSelfOrChild()
	}

	// Neither we nor our children have anything left. Finalization is
	// posted because our parent may be iterating over its running list.
	if len(c.runningJobs) == 0 {
		c.p.post(c.finalize)
	}
	return false
}

func (c *compositeJob) Parallelism() Parallelism {
	for _, rj := range c.runningJobs {
		if rj.Parallelism() != FullParallelism {
			return WaitForFinished
		}
	}
	return FullParallelism
}

func (c *compositeJob) CommittedDiskSpace() int64 {
	var total int64
	for _, rj := range c.runningJobs {
		total += rj.CommittedDiskSpace()
	}
	return total
}

// Abort drops all queued work and cancels running children. The composite
// finishes once the running children have delivered their completions.
func (c *compositeJob) Abort() {
	c.jobsToDo = nil
	c.tasksToDo = nil
	for _, rj := range c.runningJobs {
		rj.Abort()
	}
}

func (c *compositeJob) childFinished(child job, status Status) {
	for i, rj := range c.runningJobs {
		if rj == child {
			c.runningJobs = append(c.runningJobs[:i], c.runningJobs[i+1:]...)
			break
		}
	}

	// SoftError is deliberately not recorded: aborted or retriable work
	// must not turn an otherwise clean run into a failed one.
	if status == FatalError || status == NormalError {
		c.hasError = moreSevere(c.hasError, status)
	}

	if c.empty() {
		c.finalize()
		return
	}
	c.p.postSchedule()
}

func (c *compositeJob) finalize() {
	if c.st == finished || !c.empty() {
		return
	}
	c.st = finished
	status := Success
	if c.hasError != NoStatus {
		status = c.hasError
	}
	c.onFinished(status)
}
