package recovery

import (
	"fmt"
	"sync"

	"github.com/wudi/pdfcore/observability"
)

// StrictStrategy implements a fail-fast recovery strategy.
type StrictStrategy struct{}

func NewStrictStrategy() *StrictStrategy {
	return &StrictStrategy{}
}

func (s *StrictStrategy) OnError(ctx Context, err error, location Location) Action {
	return ActionFail
}

// LenientStrategy repairs what it can: every reported problem is logged,
// recorded and answered with ActionFix.
type LenientStrategy struct {
	Logger observability.Logger

	mu     sync.Mutex
	errors []error
}

func NewLenientStrategy() *LenientStrategy {
	return &LenientStrategy{Logger: observability.NopLogger{}}
}

func (s *LenientStrategy) OnError(ctx Context, err error, location Location) Action {
	wrapped := fmt.Errorf("[%s] offset %d: %w", location.Component, location.ByteOffset, err)
	s.mu.Lock()
	s.errors = append(s.errors, wrapped)
	s.mu.Unlock()
	if s.Logger != nil {
		s.Logger.Warn("recovered from malformed input",
			observability.String("component", location.Component),
			observability.Int64("offset", location.ByteOffset),
			observability.Int("object", location.ObjectNum),
			observability.Error("error", err))
	}
	return ActionFix
}

// Errors returns the problems recovered so far.
func (s *LenientStrategy) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errors...)
}
