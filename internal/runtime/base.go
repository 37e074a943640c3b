package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// Runtime describes how a language is presented to the sandbox service.
type Runtime interface {
	// Name returns the language tag clients use (e.g., "python", "javascript").
	Name() string

	// Version returns the sandbox runtime version selector.
	Version() string

	// FileName returns the name of the single source file sent to the sandbox.
	FileName() string

	// Compiled reports whether the sandbox runs a compile stage first.
	Compiled() bool

	// Starter returns the document a brand-new session starts with.
	Starter() string
}

// Registry maps language tags and aliases to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
	aliases  map[string]string
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
		aliases:  make(map[string]string),
	}
	r.Register(&PythonRuntime{}, "py", "python3")
	r.Register(&NodeRuntime{}, "js", "node")
	r.Register(&BashRuntime{}, "sh")
	r.Register(&GoRuntime{}, "golang")
	r.Register(&CppRuntime{}, "c++")
	r.Register(&JavaRuntime{})
	return r
}

// Register adds a runtime to the registry under its name and any aliases.
func (r *Registry) Register(rt Runtime, aliases ...string) {
	r.runtimes[rt.Name()] = rt
	for _, a := range aliases {
		r.aliases[a] = rt.Name()
	}
}

// Get returns the runtime for the given language tag or alias.
func (r *Registry) Get(language string) (Runtime, error) {
	key := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	rt, ok := r.runtimes[key]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Supports reports whether the language tag or alias is registered.
func (r *Registry) Supports(language string) bool {
	_, err := r.Get(language)
	return err == nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Starter returns the starter document for a language, or an empty document when
// the language is unknown.
func (r *Registry) Starter(language string) string {
	rt, err := r.Get(language)
	if err != nil {
		return ""
	}
	return rt.Starter()
}
