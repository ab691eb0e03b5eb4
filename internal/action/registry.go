// Package action holds the set of named actions a deployment exposes and
// the job each one dispatches to.
package action

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tjfontaine/chatops-gateway/internal/job"
	"github.com/tjfontaine/chatops-gateway/internal/pkg/config"
	"github.com/tjfontaine/chatops-gateway/internal/render"
)

// Definition describes one action: how its form looks and which job runs
// when the form is submitted. Exactly one of Direct and Workflow is set,
// matching Kind.
type Definition struct {
	Name        string
	Title       string
	Description string
	InputLabel  string
	Placeholder string
	Kind        job.Kind
	Direct      job.Direct
	Workflow    job.Workflow
}

// Form returns the input form for the action.
func (d *Definition) Form() render.FormSpec {
	title := d.Title
	if title == "" {
		title = d.Name
	}
	return render.FormSpec{
		Action:      d.Name,
		Title:       title,
		Description: d.Description,
		InputLabel:  d.InputLabel,
		Placeholder: d.Placeholder,
	}
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if d.Name == "welcome" || strings.Contains(d.Name, "/") {
		return fmt.Errorf("invalid action name %q", d.Name)
	}
	switch d.Kind {
	case job.KindDirect:
		if d.Direct == nil {
			return fmt.Errorf("action %q: direct kind requires a Direct job", d.Name)
		}
	case job.KindWorkflow:
		if d.Workflow == nil {
			return fmt.Errorf("action %q: workflow kind requires a Workflow job", d.Name)
		}
	default:
		return fmt.Errorf("action %q: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// Registry is a concurrency-safe, ordered set of action definitions.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*Definition
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*Definition)}
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(d *Definition) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[d.Name]; exists {
		return fmt.Errorf("action %q already registered", d.Name)
	}
	r.byKey[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Lookup returns the definition for an action base.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKey[name]
	return d, ok
}

// Has reports whether an action is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// List returns definitions in registration order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byKey[name])
	}
	return out
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	names = append(names, r.order...)
	sort.Strings(names)
	return names
}

// Menu returns the welcome menu items in registration order.
func (r *Registry) Menu() []render.MenuItem {
	defs := r.List()
	items := make([]render.MenuItem, 0, len(defs))
	for _, d := range defs {
		items = append(items, render.MenuItem{Action: d.Name, Title: d.Form().Title})
	}
	return items
}

// FromConfig builds a registry of HTTP-backed actions.
func FromConfig(actions []config.ActionConfig) (*Registry, error) {
	r := NewRegistry()
	for _, a := range actions {
		timeout, err := config.ParseDuration(a.Timeout)
		if err != nil {
			return nil, fmt.Errorf("action %q: invalid timeout: %w", a.Name, err)
		}
		httpCfg := job.HTTPConfig{URL: a.URL, Timeout: timeout, Headers: a.Headers}

		d := &Definition{
			Name:        a.Name,
			Title:       a.Title,
			Description: a.Description,
			InputLabel:  a.InputLabel,
			Placeholder: a.InputPlaceholder,
			Kind:        job.Kind(a.Kind),
		}
		switch d.Kind {
		case job.KindDirect:
			d.Direct = job.NewHTTPDirect(httpCfg)
		case job.KindWorkflow:
			d.Workflow = job.NewHTTPWorkflow(httpCfg)
		}
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}
