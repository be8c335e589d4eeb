package scope

import (
	"reflect"
	"testing"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

func testIndex() *OwnershipIndex {
	return NewOwnershipIndex(map[string][]string{
		"api":     {"src/api"},
		"apiv2":   {"src/api/v2"},
		"storage": {"src/storage"},
		"docs":    {"docs"},
	}, map[string]string{
		"api":     "make test-api",
		"storage": "make test-storage",
		"docs":    "make docs-check",
	})
}

func manifestWith(writes, lockWrites []string) *models.TaskManifest {
	m := &models.TaskManifest{}
	m.Files.Writes = writes
	m.Locks.Writes = lockWrites
	return m
}

func TestComponentForLongestPrefixWins(t *testing.T) {
	idx := testIndex()
	cases := map[string]string{
		"src/api/handler.go":    "api",
		"src/api/v2/routes.go":  "apiv2",
		"src/storage/db.go":     "storage",
		"docs/guide.md":         "docs",
	}
	for file, want := range cases {
		got, ok := idx.ComponentFor(file)
		if !ok || got != want {
			t.Errorf("ComponentFor(%s) = (%s, %v), want %s", file, got, ok, want)
		}
	}
	if _, ok := idx.ComponentFor("README.md"); ok {
		t.Error("README.md should be unowned")
	}
	// Prefix match is path-segment aware.
	if _, ok := idx.ComponentFor("src/apiserver/main.go"); ok {
		t.Error("src/apiserver must not match root src/api")
	}
}

func TestCheckPass(t *testing.T) {
	m := manifestWith([]string{"src/api/**"}, nil)
	res := Check([]string{"src/api/handler.go", "src/api/middleware.go"}, m, testIndex())
	if res.Status != StatusPass {
		t.Fatalf("status = %s, want pass: %s", res.Status, res.Reason)
	}
	if !reflect.DeepEqual(res.TouchedComponents, []string{"api"}) {
		t.Errorf("touched = %v", res.TouchedComponents)
	}
}

func TestCheckOutOfScope(t *testing.T) {
	m := manifestWith([]string{"docs/**"}, nil)
	res := Check([]string{"docs/guide.md", "src/storage/db.go"}, m, testIndex())
	if res.Status != StatusOutOfScope {
		t.Fatalf("status = %s, want out_of_scope", res.Status)
	}
	if !reflect.DeepEqual(res.MissingComponents, []string{"storage"}) {
		t.Errorf("missing = %v, want [storage]", res.MissingComponents)
	}
	if res.Reason == "" {
		t.Error("expected a reason")
	}
}

func TestCheckUnmapped(t *testing.T) {
	m := manifestWith([]string{"**"}, nil)
	res := Check([]string{"rogue.txt"}, m, testIndex())
	if res.Status != StatusUnmapped {
		t.Fatalf("status = %s, want unmapped", res.Status)
	}
	if !reflect.DeepEqual(res.UnmappedFiles, []string{"rogue.txt"}) {
		t.Errorf("unmapped = %v", res.UnmappedFiles)
	}
}

func TestLockWritesExtendAllowedComponents(t *testing.T) {
	// No file writes declared, but a write lock naming the component.
	m := manifestWith(nil, []string{"storage"})
	res := Check([]string{"src/storage/db.go"}, m, testIndex())
	if res.Status != StatusPass {
		t.Fatalf("status = %s, want pass: %s", res.Status, res.Reason)
	}
}

func TestMatchWriteGlobs(t *testing.T) {
	matched, violations := MatchWriteGlobs(
		[]string{"src/api/a.go", "src/storage/b.go", "docs/c.md"},
		[]string{"src/api/**", "docs/*.md"},
	)
	if !reflect.DeepEqual(matched, []string{"docs/c.md", "src/api/a.go"}) {
		t.Errorf("matched = %v", matched)
	}
	if !reflect.DeepEqual(violations, []string{"src/storage/b.go"}) {
		t.Errorf("violations = %v", violations)
	}
}

func TestSelectDoctorScoped(t *testing.T) {
	idx := testIndex()
	policy := ChecksetPolicy{MaxComponentsForScoped: 2, FallbackCommand: "make check"}

	res := &Result{Status: StatusPass, TouchedComponents: []string{"api", "storage"}}
	if got := policy.SelectDoctor(res, idx); got != "make test-api && make test-storage" {
		t.Errorf("scoped doctor = %q", got)
	}
}

func TestSelectDoctorFallback(t *testing.T) {
	idx := testIndex()
	policy := ChecksetPolicy{MaxComponentsForScoped: 2, FallbackCommand: "make check"}

	cases := []*Result{
		nil,
		{Status: StatusUnmapped, TouchedComponents: []string{"api"}},
		{Status: StatusPass},
		{Status: StatusPass, TouchedComponents: []string{"api", "storage", "docs"}},
		// apiv2 has no scoped doctor command configured.
		{Status: StatusPass, TouchedComponents: []string{"apiv2"}},
	}
	for i, res := range cases {
		if got := policy.SelectDoctor(res, idx); got != "make check" {
			t.Errorf("case %d: doctor = %q, want fallback", i, got)
		}
	}
}
