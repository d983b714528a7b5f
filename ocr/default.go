package ocr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wudi/pdfcore/modules"
	"github.com/wudi/pdfcore/pdferr"
)

// ModuleName is the add-on name engines register under.
const ModuleName = "ocr"

var (
	engineMu      sync.RWMutex
	defaultEngine Engine
)

// DefaultEngine returns the engine used when Options.Engine is nil, or nil
// when no engine package is linked in.
func DefaultEngine() Engine {
	engineMu.RLock()
	defer engineMu.RUnlock()
	return defaultEngine
}

// SetDefaultEngine sets the engine used when Options.Engine is nil.
func SetDefaultEngine(engine Engine) {
	engineMu.Lock()
	defer engineMu.Unlock()
	defaultEngine = engine
}

func engineFor(e Engine) (Engine, error) {
	if e != nil {
		return e, nil
	}
	if err := modules.Require(ModuleName); err != nil {
		return nil, err
	}
	if d := DefaultEngine(); d != nil {
		return d, nil
	}
	return nil, pdferr.Unsupported(ModuleName, errors.New("no OCR engine linked in"))
}

// Recognize runs engine over inputs. A BatchEngine gets them in one call;
// otherwise they are recognized one after another.
func Recognize(ctx context.Context, engine Engine, inputs []Input) ([]Result, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if b, ok := engine.(BatchEngine); ok {
		return b.RecognizeBatch(ctx, inputs)
	}
	results := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := engine.Recognize(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("recognize %s: %w", in.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}
