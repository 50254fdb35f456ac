package relay

import (
	"testing"

	"github.com/goccy/go-json"
)

func newTestReconciler(policy ChangePolicy) (*Reconciler, *InMemoryStore) {
	store := NewInMemoryStore("/relay")
	return NewReconciler(store, policy, discardLogger()), store
}

func allowAll(d []DeclaredSource) NameSet {
	labels := make([]string, 0, len(d))
	for _, s := range d {
		labels = append(labels, s.Label)
	}
	return NewNameSet(labels...)
}

func TestReconcile_dedupes_cleaned_names(t *testing.T) {
	r, store := newTestReconciler(ChangeByName)
	d := declared("Front Door", "front-door", "Back Yard")

	changed, reg := r.Reconcile(allowAll(d), d)
	if !changed {
		t.Fatal("first reconciliation should report a change")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 entries, got %v", reg.Names())
	}
	if _, ok := reg.Get("front_door"); !ok {
		t.Error("front_door missing")
	}
	if _, ok := reg.Get("back_yard"); !ok {
		t.Error("back_yard missing")
	}
	// last write wins on collision
	if src, _ := reg.Get("front_door"); src.UpstreamURI != "rtsp://cam/front-door" {
		t.Errorf("collision kept %q, want last entry", src.UpstreamURI)
	}
	if store.Load() != reg {
		t.Error("store should hold the new registry")
	}
}

func TestReconcile_same_names_is_no_change(t *testing.T) {
	r, store := newTestReconciler(ChangeByName)
	d := declared("cam1", "cam2")
	r.Reconcile(allowAll(d), d)
	before := store.Load()

	changed, reg := r.Reconcile(allowAll(d), declared("cam2", "cam1"))
	if changed {
		t.Error("reordered list should not be a change")
	}
	if reg != before || store.Load() != before {
		t.Error("registry should be untouched")
	}
}

// Under ChangeByName an edited upstream URI with an unchanged name set is
// not a change; the old URI stays in effect.
func TestReconcile_upstream_edit_ignored_by_name_policy(t *testing.T) {
	r, _ := newTestReconciler(ChangeByName)
	first := []DeclaredSource{{Label: "cam", URL: "rtsp://a/1"}}
	r.Reconcile(allowAll(first), first)

	second := []DeclaredSource{{Label: "cam", URL: "rtsp://b/2"}}
	changed, reg := r.Reconcile(allowAll(second), second)
	if changed {
		t.Fatal("expected no change for identical name set")
	}
	if src, _ := reg.Get("cam"); src.UpstreamURI != "rtsp://a/1" {
		t.Errorf("upstream = %q, want the original", src.UpstreamURI)
	}
}

func TestReconcile_upstream_edit_detected_by_strict_policy(t *testing.T) {
	r, _ := newTestReconciler(ChangeByNameAndUpstream)
	first := []DeclaredSource{{Label: "cam", URL: "rtsp://a/1"}}
	r.Reconcile(allowAll(first), first)

	second := []DeclaredSource{{Label: "cam", URL: "rtsp://b/2"}}
	changed, reg := r.Reconcile(allowAll(second), second)
	if !changed {
		t.Fatal("expected change for edited upstream")
	}
	if src, _ := reg.Get("cam"); src.UpstreamURI != "rtsp://b/2" {
		t.Errorf("upstream = %q", src.UpstreamURI)
	}

	changed, _ = r.Reconcile(allowAll(second), second)
	if changed {
		t.Error("repeating the same declaration should not be a change")
	}
}

func TestReconcile_only_allowed_names_admitted(t *testing.T) {
	r, _ := newTestReconciler(ChangeByName)
	d := declared("cam1", "intruder", "!!!")

	changed, reg := r.Reconcile(NewNameSet("cam1"), d)
	if !changed {
		t.Fatal("expected change")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "cam1" {
		t.Errorf("names = %v, want [cam1]", names)
	}
}

func TestReconcile_removal_is_change(t *testing.T) {
	r, _ := newTestReconciler(ChangeByName)
	d := declared("a", "b")
	r.Reconcile(allowAll(d), d)

	changed, reg := r.Reconcile(NewNameSet(), nil)
	if !changed || reg.Len() != 0 {
		t.Errorf("changed=%v len=%d, want true 0", changed, reg.Len())
	}
}

func TestReconcile_registry_snapshot_immutable(t *testing.T) {
	r, store := newTestReconciler(ChangeByName)
	d := declared("a")
	_, first := r.Reconcile(allowAll(d), d)

	d2 := declared("a", "b")
	r.Reconcile(allowAll(d2), d2)
	if first.Len() != 1 {
		t.Errorf("earlier snapshot mutated: %v", first.Names())
	}
	if store.Load().Len() != 2 {
		t.Errorf("store len = %d", store.Load().Len())
	}
}

func TestDeclaredSource_UnmarshalJSON(t *testing.T) {
	var ev ConfigEvent
	body := `{"sources":["rtsp://cam/1",{"label":"Back Yard","url":"rtsp://cam/2"},{"url":"rtsp://cam/3"}],"updateIntervalMs":3000,"rotation":true}`
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ev.Sources) != 3 {
		t.Fatalf("sources = %d", len(ev.Sources))
	}
	if ev.Sources[0].Label != "rtsp://cam/1" || ev.Sources[0].URL != "rtsp://cam/1" {
		t.Errorf("string source = %+v", ev.Sources[0])
	}
	if ev.Sources[1].Label != "Back Yard" || ev.Sources[1].URL != "rtsp://cam/2" {
		t.Errorf("object source = %+v", ev.Sources[1])
	}
	if ev.Sources[2].Label != "rtsp://cam/3" {
		t.Errorf("label should default to url, got %+v", ev.Sources[2])
	}
	if ev.UpdateIntervalMs != 3000 {
		t.Errorf("interval = %d", ev.UpdateIntervalMs)
	}

	if err := json.Unmarshal([]byte(`{"sources":[42]}`), &ev); err == nil {
		t.Error("expected error for numeric source")
	}
}
