package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileTokenStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileTokenStore(filepath.Join(dir, "tokens.age"), filepath.Join(dir, "identity.txt"))
	if err != nil {
		t.Fatalf("NewFileTokenStore: %v", err)
	}

	want := &token{AccessToken: "abc", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second)}
	if err := store.Save(context.Background(), "k1", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := NewFileTokenStore(filepath.Join(dir, "tokens.age"), filepath.Join(dir, "identity.txt"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Load(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || got.AccessToken != "abc" {
		t.Fatalf("got %+v, want AccessToken=abc", got)
	}
}

func TestFileTokenStoreMissingKeyReturnsNil(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileTokenStore(filepath.Join(dir, "tokens.age"), filepath.Join(dir, "identity.txt"))
	if err != nil {
		t.Fatalf("NewFileTokenStore: %v", err)
	}
	got, err := store.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %+v", got)
	}
}

func TestFileTokenStoreReusesIdentity(t *testing.T) {
	dir := t.TempDir()
	idPath := filepath.Join(dir, "identity.txt")

	s1, err := NewFileTokenStore(filepath.Join(dir, "tokens.age"), idPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s2, err := NewFileTokenStore(filepath.Join(dir, "tokens2.age"), idPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if s1.identity.String() != s2.identity.String() {
		t.Fatal("expected both stores to reuse the persisted identity")
	}
}
