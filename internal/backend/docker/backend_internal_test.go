package docker

import (
	"errors"
	"testing"

	"github.com/seantiz/crucible/internal/backend"
	"github.com/seantiz/crucible/internal/imagecache"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/resource"
)

func TestBinds(t *testing.T) {
	spec := backend.StartSpec{
		WorkDir: "/var/lib/crucible/run-1",
		Run: model.RunSpec{
			Dependencies: []model.Dependency{
				{ParentUUID: "p-1", ParentPath: "/bundles/p-1/output", ChildPath: "data"},
				{ParentUUID: "p-2", ParentPath: "relative/path", ChildPath: "other"},
			},
		},
	}

	got := binds(spec)
	want := []string{
		"/var/lib/crucible/run-1:/crucible",
		"/bundles/p-1/output:/crucible/data:ro",
	}
	if len(got) != len(want) {
		t.Fatalf("binds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("binds[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDeviceIDs(t *testing.T) {
	got := deviceIDs(resource.Set{0, 2, 5})
	want := []string{"0", "2", "5"}
	if len(got) != len(want) {
		t.Fatalf("deviceIDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("deviceIDs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClassifyStartErr(t *testing.T) {
	pull := &imagecache.PullError{Ref: "alpine:3", Err: errors.New("manifest unknown")}
	if kind := backend.StartKind(classifyStartErr(pull)); kind != backend.KindImagePull {
		t.Errorf("pull error kind = %v, want KindImagePull", kind)
	}

	other := errors.New("invalid cpuset")
	if kind := backend.StartKind(classifyStartErr(other)); kind != backend.KindResourceRejected {
		t.Errorf("generic error kind = %v, want KindResourceRejected", kind)
	}
}
