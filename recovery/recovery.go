package recovery

// Strategy decides how the scanner, xref resolver and object loader react to
// malformed input.
type Strategy interface {
	OnError(ctx Context, err error, location Location) Action
}

// Location pinpoints where a recoverable error was detected.
type Location struct {
	ByteOffset int64
	ObjectNum  int
	ObjectGen  int
	Component  string
}

type Action int

const (
	ActionFail Action = iota
	ActionSkip
	ActionFix
	ActionWarn
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionFix:
		return "fix"
	case ActionWarn:
		return "warn"
	default:
		return "fail"
	}
}

type Context interface{ Done() <-chan struct{} }
