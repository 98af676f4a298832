// Package properties implements PropertyRegistry: a table, keyed by
// property name, of {validate, dynamic, privileged} entries that
// GetProperty/SetProperty and ListProperties dispatch through. This
// replaces the per-property virtual-dispatch classes the original
// source uses with a single table of function pointers keyed by
// string, per spec.md §9's explicit guidance.
package properties

import "fmt"

// Kind documents a property's value shape for ListProperties/Plist
// clients; validation itself always happens through Validate.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindSize     // byte count, accepts human suffixes (K/M/G)
	KindCPU      // absolute core count ("2c") or percentage ("150")
	KindUint     // plain non-negative integer
	KindDuration // seconds
	KindEnv      // semicolon-separated KEY=VALUE list
	KindList     // semicolon-separated opaque list (bind mounts, devices)
)

// Property is one entry of the registry.
type Property struct {
	Name        string
	Description string
	Kind        Kind

	// Dynamic properties may be set outside the stopped state (spec.md
	// §4.4's whitelist); everything else is stopped-only.
	Dynamic bool
	// ReadOnly properties are runtime fields the engine sets directly
	// (state, exit_status, ...) and SetProperty always rejects.
	ReadOnly bool
	// Privileged properties can only be set by the container's owner or
	// root, even though any authenticated user may GetProperty them
	// (invariant 6 in spec.md §3).
	Privileged bool

	// Validate normalizes and validates a raw value, returning the
	// canonical string form to store. Nil means any string is accepted
	// verbatim (e.g. a free-form label).
	Validate func(raw string) (string, error)
}

// Registry is the full set of known properties, in declaration order.
type Registry struct {
	byName map[string]*Property
	names  []string
}

// NewRegistry builds the registry for every property spec.md §3 names.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]*Property)}
	for _, p := range defaultProperties() {
		r.register(p)
	}
	return r
}

func (r *Registry) register(p Property) {
	cp := p
	r.byName[p.Name] = &cp
	r.names = append(r.names, p.Name)
}

// Lookup finds a property by name.
func (r *Registry) Lookup(name string) (*Property, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Validate runs name's Validate function (if any) over raw and returns
// the canonical form, or an error describing why the value is rejected.
func (r *Registry) Validate(name, raw string) (string, error) {
	p, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown property %q", name)
	}
	if p.ReadOnly {
		return "", fmt.Errorf("property %q is read-only", name)
	}
	if p.Validate == nil {
		return raw, nil
	}
	return p.Validate(raw)
}

// IsDynamic reports whether name may be set outside the stopped state.
func (r *Registry) IsDynamic(name string) bool {
	p, ok := r.byName[name]
	return ok && p.Dynamic
}

// IsPrivileged reports whether name requires owner/root to set.
func (r *Registry) IsPrivileged(name string) bool {
	p, ok := r.byName[name]
	return ok && p.Privileged
}

// Listing is the ListProperties/Plist row shape: name, one-line
// description and whether the property is read-only at runtime.
type Listing struct {
	Name        string
	Description string
	ReadOnly    bool
}

// List returns every property's listing row, in declaration order.
func (r *Registry) List() []Listing {
	out := make([]Listing, 0, len(r.names))
	for _, name := range r.names {
		p := r.byName[name]
		out = append(out, Listing{Name: p.Name, Description: p.Description, ReadOnly: p.ReadOnly})
	}
	return out
}

// dynamicWhitelist is the stopped-state-exempt set spec.md §4.4 names.
var dynamicWhitelist = map[string]bool{
	"memory_limit":   true,
	"cpu_limit":      true,
	"cpu_guarantee":  true,
	"io_limit":       true,
	"io_ops_limit":   true,
	"stdout_limit":   true,
	"respawn":        true,
	"max_respawns":   true,
	"aging_time":     true,
	"private":        true,
}

func defaultProperties() []Property {
	dyn := func(name string) bool { return dynamicWhitelist[name] }
	return []Property{
		{Name: "command", Description: "the command line to execute", Kind: KindString},
		{Name: "cwd", Description: "working directory for the payload", Kind: KindString, Validate: ValidateAbsPath},
		{Name: "root", Description: "root directory to chroot into", Kind: KindString, Validate: ValidateAbsPath},
		{Name: "root_readonly", Description: "mount root read-only", Kind: KindBool, Validate: ValidateBool},
		{Name: "user", Description: "execution user (name or uid)", Kind: KindString},
		{Name: "group", Description: "execution group (name or gid)", Kind: KindString},
		{Name: "owner_user", Description: "the user allowed to manage this container", Kind: KindString},
		{Name: "env", Description: "semicolon-separated KEY=VALUE list", Kind: KindEnv, Dynamic: dyn("env"), Validate: ValidateEnv},
		{Name: "bind", Description: "semicolon-separated bind mount list", Kind: KindList},
		{Name: "devices", Description: "semicolon-separated device allow list", Kind: KindList},
		{Name: "capabilities", Description: "capability mask", Kind: KindList},
		{Name: "hostname", Description: "UTS hostname for this container", Kind: KindString},
		{Name: "isolate", Description: "own pid/mnt/ipc/uts namespaces", Kind: KindBool, Validate: ValidateBool},
		{Name: "virt_mode", Description: "namespace prefix for this subtree", Kind: KindString},
		{Name: "memory_limit", Description: "memory.limit_in_bytes", Kind: KindSize, Dynamic: dyn("memory_limit"), Validate: ValidateSize},
		{Name: "memory_guarantee", Description: "reserved memory, counted against the host budget", Kind: KindSize, Validate: ValidateSize},
		{Name: "cpu_limit", Description: "CPU quota, \"Nc\" or a percentage", Kind: KindCPU, Dynamic: dyn("cpu_limit"), Validate: ValidateCPU},
		{Name: "cpu_guarantee", Description: "CPU share guarantee", Kind: KindCPU, Dynamic: dyn("cpu_guarantee"), Validate: ValidateCPU},
		{Name: "io_limit", Description: "blkio bytes/s throttle", Kind: KindSize, Dynamic: dyn("io_limit"), Validate: ValidateSize},
		{Name: "io_ops_limit", Description: "blkio iops throttle", Kind: KindUint, Dynamic: dyn("io_ops_limit"), Validate: ValidateUint},
		{Name: "ulimit", Description: "semicolon-separated rlimit list", Kind: KindList},
		{Name: "stdin_path", Description: "path opened as the payload's stdin", Kind: KindString},
		{Name: "stdout_path", Description: "path opened as the payload's stdout", Kind: KindString},
		{Name: "stderr_path", Description: "path opened as the payload's stderr", Kind: KindString},
		{Name: "stdout_limit", Description: "byte cap on captured stdout/stderr", Kind: KindSize, Dynamic: dyn("stdout_limit"), Validate: ValidateSize},
		{Name: "respawn", Description: "restart the payload automatically on exit", Kind: KindBool, Dynamic: dyn("respawn"), Validate: ValidateBool},
		{Name: "max_respawns", Description: "respawn attempt cap, -1 for unlimited", Kind: KindUint, Dynamic: dyn("max_respawns"), Validate: ValidateUint},
		{Name: "aging_time", Description: "seconds a dead container stays before auto-stop", Kind: KindDuration, Dynamic: dyn("aging_time"), Validate: ValidateUint},
		{Name: "enable_porto", Description: "allow the payload to talk back to this daemon", Kind: KindBool, Validate: ValidateBool},
		{Name: "private", Description: "free-form label set by the client", Kind: KindString, Dynamic: dyn("private")},

		{Name: "state", Description: "current lifecycle state", Kind: KindString, ReadOnly: true},
		{Name: "exit_status", Description: "last payload exit status", Kind: KindUint, ReadOnly: true},
		{Name: "oom_killed", Description: "whether the last exit was an OOM kill", Kind: KindBool, ReadOnly: true},
		{Name: "respawn_count", Description: "number of automatic respawns so far", Kind: KindUint, ReadOnly: true},
		{Name: "stdout", Description: "captured stdout contents up to stdout_limit", Kind: KindString, ReadOnly: true},
		{Name: "stderr", Description: "captured stderr contents up to stdout_limit", Kind: KindString, ReadOnly: true},
	}
}
