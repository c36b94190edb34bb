// Package identitydoc loads the static per-worker identity document
// (SPEC_FULL.md §4.P / §3 SUPPLEMENT) presented to the vessel on a
// remote spawn. It performs no verification beyond existence — the
// spawn that triggers a load has already passed the gate check
// (internal/gate), and the document itself is written by the same
// external operator tooling that issues gates.
package identitydoc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Document is the flat per-worker identity credential.
type Document struct {
	Worker             string `json:"worker"`
	PublicKeyFingerprint string `json:"public_key_fingerprint"`
	IssuedAt           string `json:"issued_at"`
	Notes              string `json:"notes,omitempty"`
}

// Store loads identity documents from a configured directory, one
// flat JSON file per worker: <dir>/<worker>.json.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

// Load reads and parses worker's identity document. A missing file is
// a plain error — the dispatcher's remote branch aborts the spawn
// rather than sending a task with no identity attached.
func (s *Store) Load(worker string) (Document, error) {
	path := filepath.Join(s.dir, worker+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("identitydoc: reading %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("identitydoc: parsing %s: %w", path, err)
	}
	return doc, nil
}
