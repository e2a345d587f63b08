package propagator

// Instruction tells the propagator what should happen to a path. The values
// are produced by the update/reconcile phase and consumed verbatim.
type Instruction int

const (
	InstructionNone Instruction = iota
	InstructionRemove
	InstructionNew
	InstructionRename
	InstructionSync
	InstructionConflict
	InstructionIgnore
	InstructionError
	InstructionTypeChange
	InstructionUpdateMetadata
)

func (i Instruction) String() string {
	switch i {
	case InstructionNone:
		return "NONE"
	case InstructionRemove:
		return "REMOVE"
	case InstructionNew:
		return "NEW"
	case InstructionRename:
		return "RENAME"
	case InstructionSync:
		return "SYNC"
	case InstructionConflict:
		return "CONFLICT"
	case InstructionIgnore:
		return "IGNORE"
	case InstructionError:
		return "ERROR"
	case InstructionTypeChange:
		return "TYPE_CHANGE"
	case InstructionUpdateMetadata:
		return "UPDATE_METADATA"
	}
	return "UNKNOWN"
}

// Direction is the transfer direction of an instruction.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionUp             // local change, propagate to remote
	DirectionDown           // remote change, propagate to local
)

// Status is the terminal outcome of one item.
type Status int

const (
	NoStatus Status = iota
	FatalError
	NormalError
	SoftError
	Success
	Conflict
	FileIgnored
	Restoration
)

func (s Status) String() string {
	switch s {
	case NoStatus:
		return "NoStatus"
	case FatalError:
		return "FatalError"
	case NormalError:
		return "NormalError"
	case SoftError:
		return "SoftError"
	case Success:
		return "Success"
	case Conflict:
		return "Conflict"
	case FileIgnored:
		return "FileIgnored"
	case Restoration:
		return "Restoration"
	}
	return "Unknown"
}

// IsError reports whether the status is one of the three failure kinds.
func (s Status) IsError() bool {
	return s == FatalError || s == NormalError || s == SoftError
}

// moreSevere returns the more severe of two statuses for composite
// aggregation. Fatal beats Normal beats Soft beats everything else.
func moreSevere(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case FatalError:
			return 3
		case NormalError:
			return 2
		case SoftError:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Item describes one path's desired change for this run. Items are created
// once by the producer and shared by reference; nobody mutates an item after
// its terminal Status is set.
type Item struct {
	// File is the relative path the instruction applies to. For renames it
	// is the source path; Destination() resolves the target.
	File         string
	OriginalFile string // pre-rename path, equal to File unless renamed
	RenameTarget string

	Instruction Instruction
	Direction   Direction
	IsDirectory bool

	Size       int64
	Modtime    int64
	ETag       string
	FileID     string
	RemotePerm string

	// AffectedItems counts sibling operations absorbed into this one, e.g.
	// the individual removes swallowed by a directory remove.
	AffectedItems int

	IsRestoration         bool
	HasBlacklistEntry     bool
	ErrorMayBeBlacklisted bool

	HTTPErrorCode int
	Status        Status
	ErrorString   string
}

// Destination returns the path the item will occupy once propagated.
func (it *Item) Destination() string {
	if it.RenameTarget != "" {
		return it.RenameTarget
	}
	return it.File
}
