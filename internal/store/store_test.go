package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"doctrace/internal/trace"
)

// stores lists every CredentialStore implementation under its display name.
func stores(t *testing.T) map[string]CredentialStore {
	t.Helper()
	dir := t.TempDir()

	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "creds.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]CredentialStore{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(dir, "creds.json")),
		"sqlite": sqliteStore,
	}
}

func TestCredentialStoreRoundtrip(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.Get("missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok=%v err=%v, want miss", ok, err)
			}

			if err := st.Set("access_token", "tok-1"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, ok, err := st.Get("access_token")
			if err != nil || !ok || v != "tok-1" {
				t.Fatalf("Get = %q ok=%v err=%v, want tok-1", v, ok, err)
			}

			// Overwrite
			if err := st.Set("access_token", "tok-2"); err != nil {
				t.Fatalf("Set (overwrite): %v", err)
			}
			if v, _, _ := st.Get("access_token"); v != "tok-2" {
				t.Errorf("overwrite: got %q, want tok-2", v)
			}

			if err := st.Delete("access_token", "never_existed"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok, _ := st.Get("access_token"); ok {
				t.Error("deleted key still present")
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")

	first := NewFileStore(path)
	if err := first.Set("refresh_token", "r-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	second := NewFileStore(path)
	v, ok, err := second.Get("refresh_token")
	if err != nil || !ok || v != "r-1" {
		t.Fatalf("reopened Get = %q ok=%v err=%v", v, ok, err)
	}
}

func TestFileStoreWritesAreAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	st := NewFileStore(path)

	if err := st.Set("access_token", "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// No temp file left behind, and the file itself is valid JSON with
	// owner-only permissions.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after write")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 0600", perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		t.Fatalf("file is not valid JSON: %v", err)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0600); err != nil {
		t.Fatal(err)
	}

	st := NewFileStore(path)
	if _, _, err := st.Get("access_token"); err == nil {
		t.Error("corrupt file should surface an error, not read as empty")
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := first.Set("expires_at", "2026-08-23T12:00:00Z"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	v, ok, err := second.Get("expires_at")
	if err != nil || !ok || v != "2026-08-23T12:00:00Z" {
		t.Fatalf("reopened Get = %q ok=%v err=%v", v, ok, err)
	}
}

func TestTraceCacheRoundtrip(t *testing.T) {
	cache, err := NewTraceCache(filepath.Join(t.TempDir(), "traces.db"))
	if err != nil {
		t.Fatalf("NewTraceCache: %v", err)
	}
	defer cache.Close()

	if got, err := cache.Get("missing"); err != nil || got != nil {
		t.Fatalf("Get(missing) = %v, %v, want nil miss", got, err)
	}

	snap := &trace.Trace{
		ID:     "t1",
		Status: trace.StatusRunning,
		Steps: []trace.Step{
			{ID: "s1", Seq: 1, Kind: "ocr", Status: trace.StatusCompleted},
			{ID: "s2", Seq: 2, Kind: "extract", Status: trace.StatusRunning},
		},
		StartedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := cache.Put(snap); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := cache.Get("t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.ID != "t1" || got.Status != trace.StatusRunning {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if len(got.Steps) != 2 || got.HighWater() != 2 {
		t.Errorf("steps = %d high water = %d, want 2/2", len(got.Steps), got.HighWater())
	}

	// A newer snapshot replaces the row.
	snap.Status = trace.StatusCompleted
	snap.Steps = append(snap.Steps, trace.Step{ID: "s3", Seq: 3, Status: trace.StatusCompleted})
	if err := cache.Put(snap); err != nil {
		t.Fatalf("Put (replace): %v", err)
	}
	got, err = cache.Get("t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != trace.StatusCompleted || len(got.Steps) != 3 {
		t.Errorf("replacement not visible: %+v", got)
	}

	if err := cache.Delete("t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := cache.Get("t1"); got != nil {
		t.Error("deleted snapshot still cached")
	}
}

func TestTraceCachePutNil(t *testing.T) {
	cache, err := NewTraceCache(filepath.Join(t.TempDir(), "traces.db"))
	if err != nil {
		t.Fatalf("NewTraceCache: %v", err)
	}
	defer cache.Close()

	if err := cache.Put(nil); err != nil {
		t.Errorf("Put(nil) = %v, want no-op", err)
	}
}
