package ratelimit

import (
	"fmt"
	"sort"
	"strings"
)

// Mode selects how requests are mapped to limiters.
type Mode string

const (
	// ModeNone applies no throttling.
	ModeNone Mode = "none"

	// ModeByMethod applies a distinct limiter per HTTP method.
	ModeByMethod Mode = "by-method"

	// ModeBlanket applies one limiter to every request.
	ModeBlanket Mode = "blanket"
)

// DispatchConfig describes the limiters owned by one client.
type DispatchConfig struct {
	Mode Mode `yaml:"mode"`

	// ByMethod maps lowercase HTTP method names to limiter settings.
	ByMethod map[string]Config `yaml:"by_method,omitempty"`

	// Blanket is used when Mode is ModeBlanket.
	Blanket *Config `yaml:"blanket,omitempty"`
}

// Validate checks the dispatch configuration.
func (c DispatchConfig) Validate() error {
	switch c.Mode {
	case "", ModeNone:
		return nil
	case ModeByMethod:
		seen := make(map[string]string, len(c.ByMethod))
		for _, method := range sortedMethods(c.ByMethod) {
			key := strings.ToLower(method)
			if prev, ok := seen[key]; ok {
				return fmt.Errorf("by_method: %q and %q name the same method", prev, method)
			}
			seen[key] = method
			if err := c.ByMethod[method].Validate(); err != nil {
				return fmt.Errorf("by_method.%s: %w", method, err)
			}
		}
		return nil
	case ModeBlanket:
		if c.Blanket == nil {
			return fmt.Errorf("blanket mode requires a blanket limiter config")
		}
		if err := c.Blanket.Validate(); err != nil {
			return fmt.Errorf("blanket: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown dispatch mode %q", c.Mode)
	}
}

// Dispatcher picks the limiter for a request. Mode and limiters are fixed at
// construction.
type Dispatcher struct {
	mode     Mode
	byMethod map[string]*Limiter
	blanket  *Limiter
}

// NewDispatcher builds the limiters described by cfg. name prefixes the
// limiter names.
func NewDispatcher(name string, cfg DispatchConfig) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch config for %s: %w", name, err)
	}

	d := &Dispatcher{mode: cfg.Mode}
	if d.mode == "" {
		d.mode = ModeNone
	}

	switch d.mode {
	case ModeByMethod:
		d.byMethod = make(map[string]*Limiter, len(cfg.ByMethod))
		for method, lc := range cfg.ByMethod {
			key := strings.ToLower(method)
			l, err := New(name+":"+key, lc)
			if err != nil {
				return nil, err
			}
			d.byMethod[key] = l
		}
	case ModeBlanket:
		l, err := New(name+":blanket", *cfg.Blanket)
		if err != nil {
			return nil, err
		}
		d.blanket = l
	}

	return d, nil
}

// Mode returns the active dispatch mode.
func (d *Dispatcher) Mode() Mode {
	if d == nil {
		return ModeNone
	}
	return d.mode
}

// Select returns the limiter for an HTTP method, or nil when the request is
// not throttled. Method lookup is case-insensitive.
func (d *Dispatcher) Select(method string) *Limiter {
	if d == nil {
		return nil
	}
	switch d.mode {
	case ModeByMethod:
		return d.byMethod[strings.ToLower(method)]
	case ModeBlanket:
		return d.blanket
	default:
		return nil
	}
}

// Limiters lists the configured limiters sorted by name.
func (d *Dispatcher) Limiters() []*Limiter {
	if d == nil {
		return nil
	}
	var out []*Limiter
	if d.blanket != nil {
		out = append(out, d.blanket)
	}
	for _, l := range d.byMethod {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func sortedMethods(m map[string]Config) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
