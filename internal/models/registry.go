package models

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Report summarises how the catalog lines up with the runtime's installed
// models.
type Report struct {
	Present    []string  `json:"present"`
	Missing    []string  `json:"missing"`
	Unknown    []string  `json:"unknown,omitempty"` // installed but not in the catalog
	CheckedAt  time.Time `json:"checked_at"`
	Reconciled bool      `json:"reconciled"`
}

// Registry tracks which catalog descriptors the runtime has installed.
type Registry struct {
	mu        sync.RWMutex
	catalog   *Catalog
	installed map[string]bool
	report    Report
}

// NewRegistry creates a registry that has not seen the runtime yet.
func NewRegistry(catalog *Catalog) *Registry {
	return &Registry{
		catalog:   catalog,
		installed: make(map[string]bool),
	}
}

// Reconcile records the runtime's installed model names.
func (r *Registry) Reconcile(names []string) Report {
	installed := make(map[string]bool, len(names))
	for _, n := range names {
		installed[canonicalName(n)] = true
	}

	report := Report{CheckedAt: time.Now(), Reconciled: true}
	known := make(map[string]bool)
	for _, d := range r.catalog.All() {
		id := canonicalName(d.RuntimeID)
		known[id] = true
		if installed[id] {
			report.Present = append(report.Present, d.RuntimeID)
		} else {
			report.Missing = append(report.Missing, d.RuntimeID)
		}
	}
	for n := range installed {
		if !known[n] {
			report.Unknown = append(report.Unknown, n)
		}
	}
	sort.Strings(report.Unknown)

	r.mu.Lock()
	r.installed = installed
	r.report = report
	r.mu.Unlock()
	return report
}

// Installed reports whether runtimeID is installed. Before the first
// Reconcile every model is assumed present.
func (r *Registry) Installed(runtimeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.report.Reconciled {
		return true
	}
	return r.installed[canonicalName(runtimeID)]
}

// Report returns the latest reconciliation.
func (r *Registry) Report() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report
}

// canonicalName lowercases and adds the implicit ":latest" tag.
func canonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" && !strings.Contains(name, ":") {
		name += ":latest"
	}
	return name
}
