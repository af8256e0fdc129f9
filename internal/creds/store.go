// Package creds persists per-tenant pairing credentials on disk.
//
// Each tenant owns one directory under the store root, holding a single
// creds.json written by the wire transport whenever the upstream rotates
// keys. A directory with a valid creds.json can re-establish its
// connection without re-pairing. The directory is exclusively owned by
// the tenant's session while a transport connection is open.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// credsFile is the credential file name inside each tenant directory.
const credsFile = "creds.json"

// ErrNoCredentials is returned by Handle.Load when the tenant has no
// persisted credentials yet (fresh pairing).
var ErrNoCredentials = errors.New("creds: no stored credentials")

// Store manages the credential root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a credential store rooted at dir, creating it if
// needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential root: %w", err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// Open returns the handle for a tenant, creating its directory if
// needed. The handle is valid until Delete removes the directory.
func (s *Store) Open(tenantID string) (*Handle, error) {
	dir := filepath.Join(s.root, tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create tenant credential dir: %w", err)
	}
	return &Handle{tenantID: tenantID, dir: dir}, nil
}

// Exists reports whether the tenant has a valid credential file.
func (s *Store) Exists(tenantID string) bool {
	return validCredsFile(filepath.Join(s.root, tenantID, credsFile))
}

// Delete removes the tenant's credential directory entirely. Used only
// on terminal logout.
func (s *Store) Delete(tenantID string) error {
	dir := filepath.Join(s.root, tenantID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete tenant credentials: %w", err)
	}
	return nil
}

// List returns the tenant IDs of every subdirectory holding a valid
// credential file. Unreadable or malformed entries are logged and
// skipped.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan credential root: %w", err)
	}

	var tenants []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.root, e.Name(), credsFile)
		if !validCredsFile(path) {
			s.logger.Debug("skipping credential dir without valid creds file",
				"tenant", e.Name(),
			)
			continue
		}
		tenants = append(tenants, e.Name())
	}
	return tenants, nil
}

// validCredsFile reports whether path exists, is non-empty, and parses
// as a JSON object. Partially written or corrupt files are treated as
// absent.
func validCredsFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(data, &obj) == nil
}

// Handle is an exclusive reference to one tenant's credentials.
type Handle struct {
	tenantID string
	dir      string
}

// TenantID returns the owning tenant.
func (h *Handle) TenantID() string {
	return h.tenantID
}

// Load reads the stored credential payload. Returns ErrNoCredentials
// when nothing has been persisted yet.
func (h *Handle) Load() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(h.dir, credsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoCredentials
	}
	return data, nil
}

// Save atomically replaces the credential payload. Written to a temp
// file first so a crash mid-write never leaves a truncated creds.json.
func (h *Handle) Save(data []byte) error {
	tmp, err := os.CreateTemp(h.dir, "creds-*.tmp")
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("save credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save credentials: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(h.dir, credsFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}
