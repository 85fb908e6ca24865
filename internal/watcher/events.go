package watcher

// Op classifies a filesystem change.
type Op int

// Change kinds emitted by the watcher.
const (
	OpCreate Op = iota
	OpModify
	OpDelete
	OpRename
)

// String returns the op name for logs.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one debounced filesystem change. Paths are canonical: absolute,
// forward slashes, NFC-normalized, no trailing slash.
type Event struct {
	Op      Op
	Path    string
	OldPath string // set only for OpRename
	IsDir   bool
}
