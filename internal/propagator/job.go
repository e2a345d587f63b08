package propagator

// Parallelism declares how a job constrains the scheduling of its siblings.
type Parallelism int

const (
	// FullParallelism means the job and all its running descendants are
	// independent of everything else.
	FullParallelism Parallelism = iota

	// WaitForFinishedInParentDirectory blocks scheduling in the enclosing
	// directory until the job finishes, but not across directories.
	WaitForFinishedInParentDirectory

	// WaitForFinished blocks all further scheduling until the job finishes.
	WaitForFinished
)

// jobState is the one-way lifecycle of every job.
type jobState int

const (
	notYetStarted jobState = iota
	running
	finished
)

// job is a node of the propagation tree. All methods run on the propagator
// loop goroutine.
type job interface {
	// ScheduleSelfOrChild starts at most one new leaf somewhere in the
	// subtree and reports whether it did. The propagator uses the return
	// value as its back-pressure signal.
	ScheduleSelfOrChild() bool

	// Parallelism returns the scheduling constraint of the subtree; the
	// most restrictive value among running descendants wins.
	Parallelism() Parallelism

	// CommittedDiskSpace is the sum of disk reservations of running
	// descendants, used to pre-flight downloads against free space.
	CommittedDiskSpace() int64

	// Abort drops queued work and cancels running descendants. Running
	// leaves still deliver a completion.
	Abort()

	state() jobState
	setParent(parent jobParent)
}

// jobParent receives the completion of a direct child. The child handle is
// passed explicitly so parents never have to identify the caller.
type jobParent interface {
	childFinished(child job, status Status)
}
