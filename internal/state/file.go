package state

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattjoyce/hookwarden/internal/log"
	"github.com/zeebo/blake3"
)

const fileFormatVersion = 1

// fileEnvelope is the on-disk document. Checksum is the BLAKE3 hash of the
// State bytes exactly as written.
type fileEnvelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	State    json.RawMessage `json:"state"`
}

// FileStore persists state as a single JSON document replaced atomically via
// rename. A document that fails to parse or whose checksum does not match is
// moved aside and replaced by empty state.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// NewFileStore returns a store backed by path, creating its directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	return &FileStore{
		path:   path,
		logger: log.WithComponent("state"),
		now:    time.Now,
	}, nil
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Get(context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileStore) Update(_ context.Context, mutate func(*State) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := f.load()
	if err != nil {
		return err
	}
	if err := mutate(&cur); err != nil {
		return err
	}
	return f.write(cur.Clone())
}

func (f *FileStore) load() (State, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return State{}, &IOError{Op: "read", Path: f.path, Err: err}
	}

	st, err := decodeEnvelope(raw)
	if err != nil {
		if qerr := f.quarantine(err); qerr != nil {
			return State{}, qerr
		}
		return Empty(), nil
	}
	return st, nil
}

func decodeEnvelope(raw []byte) (State, error) {
	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return State{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != fileFormatVersion {
		return State{}, fmt.Errorf("unsupported state format version %d", env.Version)
	}
	if sum := checksum(env.State); sum != env.Checksum {
		return State{}, fmt.Errorf("checksum mismatch (expected %s, got %s)", env.Checksum, sum)
	}
	var st State
	if err := json.Unmarshal(env.State, &st); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return st.Clone(), nil
}

func (f *FileStore) quarantine(cause error) error {
	dest := fmt.Sprintf("%s.corrupt-%d", f.path, f.now().Unix())
	if err := os.Rename(f.path, dest); err != nil {
		return &IOError{Op: "quarantine", Path: f.path, Err: err}
	}
	f.logger.Warn("state file corrupt; moved aside and starting from empty state",
		"path", f.path, "quarantined_to", dest, "error", cause)
	return nil
}

func (f *FileStore) write(st State) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	doc, err := json.Marshal(fileEnvelope{
		Version:  fileFormatVersion,
		Checksum: checksum(body),
		State:    body,
	})
	if err != nil {
		return fmt.Errorf("encode state envelope: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return &IOError{Op: "write", Path: f.path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		cleanup()
		return &IOError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return &IOError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &IOError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return &IOError{Op: "rename", Path: f.path, Err: err}
	}
	return nil
}

func checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
