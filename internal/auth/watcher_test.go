package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"doctrace/internal/store"
)

func TestWatcherReloadsOnExternalRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	fileStore := store.NewFileStore(path)
	seedStore(t, fileStore, "old-token", "refresh-1", time.Now().Add(time.Hour))

	m, err := NewManager("http://unused", nil, fileStore, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	w, err := NewWatcher(m, path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	// Another process (a second CLI invocation) rewrites the file. The
	// write is a temp-file rename, which is exactly what the watcher has
	// to catch.
	other := store.NewFileStore(path)
	seedStore(t, other, "new-token", "refresh-2", time.Now().Add(time.Hour))

	deadline := time.After(3 * time.Second)
	for {
		token, err := m.GetValidToken(context.Background())
		if err != nil {
			t.Fatalf("GetValidToken: %v", err)
		}
		if token == "new-token" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("manager still holds %q after external rewrite", token)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	fileStore := store.NewFileStore(path)
	seedStore(t, fileStore, "tok", "refresh-1", time.Now().Add(time.Hour))

	m, err := NewManager("http://unused", nil, fileStore, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	w, err := NewWatcher(m, path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	// Writes to other files in the same directory must not clear state.
	sibling := store.NewFileStore(filepath.Join(dir, "unrelated.json"))
	if err := sibling.Set("key", "value"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	token, err := m.GetValidToken(context.Background())
	if err != nil || token != "tok" {
		t.Fatalf("token = %q err = %v after sibling write", token, err)
	}
}

func TestWatcherCloseStopsLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	m, err := NewManager("http://unused", nil, store.NewFileStore(path), 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	w, err := NewWatcher(m, path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
