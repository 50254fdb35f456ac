package relay

import (
	"log/slog"
)

// ChangePolicy decides when a declared source list differs from the registry.
type ChangePolicy int

const (
	// ChangeByName reports a change only when the set of names differs. An
	// upstream URI edited under an unchanged name is not picked up.
	ChangeByName ChangePolicy = iota
	// ChangeByNameAndUpstream also reports a change when any name now points
	// at a different upstream URI.
	ChangeByNameAndUpstream
)

func (p ChangePolicy) String() string {
	if p == ChangeByNameAndUpstream {
		return "name_and_upstream"
	}
	return "name"
}

// Reconciler owns the registry and decides whether a declaration requires a
// rebuild. It never touches the media server.
type Reconciler struct {
	store  Store
	policy ChangePolicy
	log    *slog.Logger
}

// NewReconciler returns a reconciler over store.
func NewReconciler(store Store, policy ChangePolicy, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, policy: policy, log: log}
}

// Current returns the registry in effect.
func (r *Reconciler) Current() *Registry {
	return r.store.Load()
}

// Candidate builds the registry a declaration would produce without storing
// it. Only names in allowed are admitted.
func (r *Reconciler) Candidate(allowed NameSet, declared []DeclaredSource) *Registry {
	basePath := r.store.Load().BasePath()
	sources := make(map[string]Source, len(declared))
	for _, d := range declared {
		name := CleanName(d.Label)
		if name == "" {
			r.log.Warn("source label has no usable characters", "label", d.Label)
			continue
		}
		if !allowed.Has(name) {
			r.log.Warn("source not in allowed names", "name", name)
			continue
		}
		if prev, ok := sources[name]; ok && prev.UpstreamURI != d.URL {
			r.log.Warn("source name collision, keeping last entry",
				"name", name, "dropped", prev.UpstreamURI, "kept", d.URL)
		}
		sources[name] = Source{Name: name, UpstreamURI: d.URL}
	}
	return &Registry{basePath: basePath, sources: sources}
}

// Reconcile compares the declaration with the current registry and, if they
// differ under the reconciler's policy, replaces the registry wholesale.
func (r *Reconciler) Reconcile(allowed NameSet, declared []DeclaredSource) (bool, *Registry) {
	current := r.store.Load()
	candidate := r.Candidate(allowed, declared)

	added, removed := diffNames(current, candidate)
	changed := len(added)+len(removed) > 0
	var updated []string
	if !changed && r.policy == ChangeByNameAndUpstream {
		updated = diffUpstreams(current, candidate)
		changed = len(updated) > 0
	}
	if !changed {
		return false, current
	}

	r.store.Swap(candidate)
	r.log.Info("registry replaced",
		"sources", candidate.Len(),
		"added", joinNames(added),
		"removed", joinNames(removed),
		"updated", joinNames(updated),
		"policy", r.policy.String())
	return true, candidate
}

func diffNames(current, candidate *Registry) (added, removed []string) {
	for _, n := range candidate.Names() {
		if _, ok := current.Get(n); !ok {
			added = append(added, n)
		}
	}
	for _, n := range current.Names() {
		if _, ok := candidate.Get(n); !ok {
			removed = append(removed, n)
		}
	}
	return added, removed
}

func diffUpstreams(current, candidate *Registry) []string {
	var updated []string
	for _, n := range candidate.Names() {
		prev, ok := current.Get(n)
		if ok && prev.UpstreamURI != candidate.sources[n].UpstreamURI {
			updated = append(updated, n)
		}
	}
	return updated
}
