package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
)

// FileTokenStore persists tokens to a single age-encrypted file on disk
// so a restarted process can reuse a still-valid access token instead of
// re-authenticating. It holds only the bearer token cache, never
// protocol traffic: an access token is opaque cacheable state.
type FileTokenStore struct {
	path     string
	identity *age.X25519Identity

	mu     sync.Mutex
	loaded bool
	tokens map[string]*token
}

// NewFileTokenStore opens (or creates) an age identity at identityPath and
// returns a Store that encrypts its contents to that identity's
// recipient. identityPath's parent directory is created if missing.
func NewFileTokenStore(path, identityPath string) (*FileTokenStore, error) {
	id, err := loadOrCreateIdentity(identityPath)
	if err != nil {
		return nil, fmt.Errorf("auth: token store identity: %w", err)
	}
	return &FileTokenStore{path: path, identity: id, tokens: map[string]*token{}}, nil
}

func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := age.ParseX25519Identity(string(bytes.TrimSpace(data)))
		if err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}

func (f *FileTokenStore) Load(ctx context.Context, key string) (*token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return nil, err
	}
	return f.tokens[key], nil
}

func (f *FileTokenStore) Save(ctx context.Context, key string, t *token) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return err
	}
	f.tokens[key] = t
	return f.persistLocked()
}

func (f *FileTokenStore) loadLocked() error {
	if f.loaded {
		return nil
	}
	f.loaded = true

	enc, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("auth: read token store: %w", err)
	}
	if len(enc) == 0 {
		return nil
	}

	r, err := age.Decrypt(bytes.NewReader(enc), f.identity)
	if err != nil {
		return fmt.Errorf("auth: decrypt token store: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("auth: read decrypted token store: %w", err)
	}

	var tokens map[string]*token
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return fmt.Errorf("auth: parse token store: %w", err)
	}
	f.tokens = tokens
	return nil
}

func (f *FileTokenStore) persistLocked() error {
	plaintext, err := json.Marshal(f.tokens)
	if err != nil {
		return fmt.Errorf("auth: marshal token store: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, f.identity.Recipient())
	if err != nil {
		return fmt.Errorf("auth: encrypt token store: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("auth: write encrypted token store: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("auth: finalize encrypted token store: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("auth: write token store: %w", err)
	}
	return os.Rename(tmp, f.path)
}
