// Package modules keeps the process-wide registry of optional add-ons (OCR,
// HTML and Markdown conversion) and the resource search path they load
// their data files from.
//
// The search path is configured once with Initialize. Without an explicit
// configuration it is read from the PDFCORE_RESOURCE_PATH environment
// variable, a list separated like PATH.
package modules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
)

// EnvResourcePath names the environment variable consulted when Initialize
// is given no search path.
const EnvResourcePath = "PDFCORE_RESOURCE_PATH"

// Config is applied by the first call to Initialize.
type Config struct {
	// SearchPath lists the directories searched for module resources, in
	// order. Empty means EnvResourcePath.
	SearchPath []string
	Logger     observability.Logger
}

// Module describes an add-on. Resources are paths relative to a search
// path directory that must exist for the module to be available; a module
// without resources is available once registered.
type Module struct {
	Name      string
	Resources []string
}

var ErrDuplicate = errors.New("module already registered")

type registry struct {
	once    sync.Once
	mu      sync.RWMutex
	dirs    []string
	modules map[string]Module
	log     observability.Logger
}

var reg = &registry{modules: make(map[string]Module)}

// Initialize sets up the search path. Only the first call takes effect;
// later calls are ignored, so libraries and applications may both call
// it. It reports whether this call did the initialization.
func Initialize(cfg Config) bool {
	done := false
	reg.once.Do(func() {
		dirs := cfg.SearchPath
		if len(dirs) == 0 {
			dirs = filepath.SplitList(os.Getenv(EnvResourcePath))
		}
		reg.mu.Lock()
		reg.log = observability.OrDefault(cfg.Logger)
		for _, d := range dirs {
			reg.addLocked(d)
		}
		reg.mu.Unlock()
		reg.log.Debug("modules initialized", observability.Int("search_dirs", len(reg.dirs)))
		done = true
	})
	return done
}

func (r *registry) addLocked(dir string) {
	if dir == "" {
		return
	}
	dir = filepath.Clean(dir)
	if !slices.Contains(r.dirs, dir) {
		r.dirs = append(r.dirs, dir)
	}
}

// AddSearchPath appends dir to the search path.
func AddSearchPath(dir string) {
	Initialize(Config{})
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.addLocked(dir)
}

// SearchPath returns a copy of the search path.
func SearchPath() []string {
	Initialize(Config{})
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return slices.Clone(reg.dirs)
}

// Register makes m known. Registering a name twice fails with ErrDuplicate.
func Register(m Module) error {
	if m.Name == "" {
		return fmt.Errorf("modules: empty module name")
	}
	Initialize(Config{})
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.modules[m.Name]; ok {
		return fmt.Errorf("modules: %s: %w", m.Name, ErrDuplicate)
	}
	m.Resources = slices.Clone(m.Resources)
	reg.modules[m.Name] = m
	return nil
}

// MustRegister is Register for package init functions.
func MustRegister(m Module) {
	if err := Register(m); err != nil {
		panic(err)
	}
}

// Registered returns the names of all registered modules, sorted.
func Registered() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.modules))
	for n := range reg.modules {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Locate returns the full path of resource in the first search path
// directory that has it.
func Locate(resource string) (string, bool) {
	for _, dir := range SearchPath() {
		p := filepath.Join(dir, filepath.FromSlash(resource))
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// Available reports whether the module is registered and all of its
// resources are on the search path.
func Available(name string) bool { return Require(name) == nil }

// Require returns an UnsupportedFeatureError unless the module is
// available.
func Require(name string) error {
	Initialize(Config{})
	reg.mu.RLock()
	m, ok := reg.modules[name]
	log := reg.log
	reg.mu.RUnlock()
	if !ok {
		return pdferr.Unsupported(name, fmt.Errorf("module not registered"))
	}
	for _, res := range m.Resources {
		if _, found := Locate(res); !found {
			log.Debug("module resource missing", observability.String("module", name), observability.String("resource", res))
			return pdferr.Unsupported(name, fmt.Errorf("resource %s not found on the search path", res))
		}
	}
	return nil
}
