package statestore

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/devsup/internal/osproc"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(t.TempDir(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func TestStoreSaveLoadClear(t *testing.T) {
	st := newTestStore(t)

	if _, ok := st.Load("web"); ok {
		t.Fatal("load on empty store succeeded")
	}
	rec := Record{PID: 1234, PGID: 1234, StartUnix: 99}
	if err := st.Save("web", rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := st.Load("web")
	if !ok || got.PID != 1234 || got.StartUnix != 99 {
		t.Fatalf("load: %+v ok=%v", got, ok)
	}
	if got.RecordedAt.IsZero() {
		t.Fatal("RecordedAt not stamped")
	}

	if err := st.Clear("web"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := st.Load("web"); ok {
		t.Fatal("record survived clear")
	}
	// clearing again is a no-op
	if err := st.Clear("web"); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestStoreFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on windows")
	}
	st := newTestStore(t)
	if err := st.Save("web", Record{PID: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(st.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("state file mode: %v", info.Mode().Perm())
	}
}

func TestStoreMalformedFileTreatedAsEmpty(t *testing.T) {
	st := newTestStore(t)
	if err := os.WriteFile(st.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Load("web"); ok {
		t.Fatal("loaded a record from garbage")
	}
	// the next write replaces the garbage
	if err := st.Save("web", Record{PID: 7}); err != nil {
		t.Fatalf("save over garbage: %v", err)
	}
	if got, ok := st.Load("web"); !ok || got.PID != 7 {
		t.Fatalf("load after repair: %+v ok=%v", got, ok)
	}
}

func TestStoreNames(t *testing.T) {
	st := newTestStore(t)
	for _, n := range []string{"worker", "api", "web"} {
		if err := st.Save(n, Record{PID: 1}); err != nil {
			t.Fatalf("save %s: %v", n, err)
		}
	}
	names := st.Names()
	if len(names) != 3 || names[0] != "api" || names[2] != "worker" {
		t.Fatalf("names: %v", names)
	}
	if len(st.ListAll()) != 3 {
		t.Fatalf("list all: %d", len(st.ListAll()))
	}
}

func TestProjectKeyStableAndDistinct(t *testing.T) {
	a := ProjectKey("/tmp/project-a")
	if a != ProjectKey("/tmp/project-a") {
		t.Fatal("key unstable")
	}
	if len(a) != 8 {
		t.Fatalf("key length: %d", len(a))
	}
	if a == ProjectKey("/tmp/project-b") {
		t.Fatal("distinct projects share a key")
	}
}

func TestStoresForDifferentProjectsDoNotCollide(t *testing.T) {
	base := t.TempDir()
	stA, err := New(base, "/tmp/project-a", nil)
	if err != nil {
		t.Fatal(err)
	}
	stB, err := New(base, "/tmp/project-b", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := stA.Save("web", Record{PID: 1}); err != nil {
		t.Fatal(err)
	}
	if _, ok := stB.Load("web"); ok {
		t.Fatal("record leaked across projects")
	}
}

func TestDiscoveryRoundTrip(t *testing.T) {
	base := t.TempDir()
	project := t.TempDir()

	if _, ok := ReadDiscovery(base, project); ok {
		t.Fatal("read before write succeeded")
	}
	d := Discovery{Running: true, PID: os.Getpid(), URL: "http://127.0.0.1:7911/api", StartedAt: time.Now().UTC()}
	if err := WriteDiscovery(base, project, d); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, ok := ReadDiscovery(base, project)
	if !ok || !got.Running || got.URL != d.URL || got.PID != d.PID {
		t.Fatalf("read: %+v ok=%v", got, ok)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(base, ProjectKey(project)+"_discovery.json"))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("discovery file mode: %v", info.Mode().Perm())
		}
	}

	RemoveDiscovery(base, project)
	if _, ok := ReadDiscovery(base, project); ok {
		t.Fatal("read after remove succeeded")
	}
	RemoveDiscovery(base, project) // idempotent
}

func TestCleanupOrphansTerminatesAndDropsEntries(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	base := t.TempDir()
	project := t.TempDir()
	st, err := New(base, project, nil)
	if err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command("sleep", "30")
	osproc.ConfigureGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	pid := cmd.Process.Pid
	defer func() { _ = cmd.Process.Kill(); _, _ = cmd.Process.Wait() }()
	pgid := osproc.GroupID(pid)

	if err := st.Save("orphan", Record{PID: pid, PGID: pgid, StartUnix: osproc.StartTimeUnix(pid)}); err != nil {
		t.Fatal(err)
	}
	if err := st.Save("gone", Record{PID: 999999, PGID: 999999}); err != nil {
		t.Fatal(err)
	}

	n := CleanupOrphans(base, nil)
	if n != 1 {
		t.Fatalf("terminated count: %d", n)
	}
	if len(st.ListAll()) != 0 {
		t.Fatalf("entries remain after cleanup: %v", st.Names())
	}

	// reap; Wait returning means the TERM landed
	state, err := cmd.Process.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state.Success() {
		t.Fatal("orphan exited cleanly instead of being terminated")
	}
}

func TestCleanupOrphansSkipsRecycledPID(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	base := t.TempDir()
	st, err := New(base, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	// our own pid with a bogus start time looks recycled; it must be
	// dropped from the file without being signaled
	if err := st.Save("recycled", Record{PID: os.Getpid(), PGID: os.Getpid(), StartUnix: 1}); err != nil {
		t.Fatal(err)
	}
	if n := CleanupOrphans(base, nil); n != 0 {
		t.Fatalf("terminated count: %d", n)
	}
	if len(st.ListAll()) != 0 {
		t.Fatal("recycled entry not dropped")
	}
}
