package sim

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeProfile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestProfileStoreScansDirectory(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "Gaming.krx")
	writeProfile(t, dir, "Default.krx")
	writeProfile(t, dir, "notes.txt") // ignored

	store, err := NewProfileStore(dir, quietTestLogger())
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}

	got := store.List()
	if len(got) != 2 || got[0] != "Default" || got[1] != "Gaming" {
		t.Errorf("List() = %v", got)
	}
}

func TestProfileStoreActivate(t *testing.T) {
	store, err := NewProfileStore("", quietTestLogger())
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}
	store.SetProfiles([]string{"Default"})

	if err := store.Activate("Default"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if store.Active() != "Default" {
		t.Errorf("Active() = %q", store.Active())
	}

	if err := store.Activate("Missing"); err == nil {
		t.Fatal("expected error for unknown profile")
	}

	st := store.State()
	if st.ActiveProfile != "Default" || st.Layer != "base" {
		t.Errorf("State() = %+v", st)
	}
}

func TestProfileStoreReloadDropsStaleActive(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "Gaming.krx")

	store, err := NewProfileStore(dir, quietTestLogger())
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}
	if err := store.Activate("Gaming"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "Gaming.krx")); err != nil {
		t.Fatalf("remove profile: %v", err)
	}
	if err := store.reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if store.Active() != "" {
		t.Errorf("Active() = %q after its file was removed", store.Active())
	}
}

func TestProfileStoreWatch(t *testing.T) {
	dir := t.TempDir()
	store, err := NewProfileStore(dir, quietTestLogger())
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	changed := make(chan struct{}, 1)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- store.Watch(done, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// Let the watcher install before touching the directory.
	time.Sleep(100 * time.Millisecond)
	writeProfile(t, dir, "New.krx")

	select {
	case <-changed:
	case err := <-watchErr:
		t.Fatalf("Watch exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reported the new profile")
	}

	got := store.List()
	if len(got) != 1 || got[0] != "New" {
		t.Errorf("List() after watch reload = %v", got)
	}
}

func TestProfileStoreWatchRequiresDirectory(t *testing.T) {
	store, err := NewProfileStore("", quietTestLogger())
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}
	if err := store.Watch(nil, nil); err == nil {
		t.Fatal("expected error for dir-less store")
	}
}
