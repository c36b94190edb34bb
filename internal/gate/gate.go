// Package gate verifies the HMAC-signed authorization artifact that
// gates every privileged action a non-apex worker takes (spec.md §4.B).
//
// A gate is a small JSON file, one per worker, written by an
// operator-owned tool outside this process. Its signature covers
// "subject|issued_at|expires_at" with a shared secret known only to the
// relay and that tool. Verification never trusts the filesystem beyond
// what it just read: every decision is recomputed from the artifact's
// current bytes and cached only by (mtime, decision) so a revocation
// that touches the file is visible on the very next check.
package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Artifact is the on-disk shape of a gate.
type Artifact struct {
	Issuer    string `json:"issuer"`
	Subject   string `json:"subject"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
	Signature string `json:"signature"`
}

type cacheEntry struct {
	mtime    time.Time
	verdict  bool
	cachedAt time.Time
}

// Verifier implements the §4.B contract: verify(worker) -> bool.
type Verifier struct {
	mu          sync.Mutex
	secret      []byte
	artifactDir string
	apexName    string
	ttl         time.Duration
	whitelist   map[string]struct{}
	cache       map[string]cacheEntry

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New builds a Verifier. secret may be empty — in that case Verify always
// fails closed, per spec.md §4.B step 2, returning ErrFailClosed on
// every call rather than panicking.
func New(secret string, artifactDir, apexName string, ttl time.Duration, whitelist []string) *Verifier {
	wl := make(map[string]struct{}, len(whitelist))
	for _, w := range whitelist {
		wl[w] = struct{}{}
	}
	return &Verifier{
		secret:      []byte(secret),
		artifactDir: artifactDir,
		apexName:    apexName,
		ttl:         ttl,
		whitelist:   wl,
		cache:       make(map[string]cacheEntry),
		now:         time.Now,
	}
}

// ErrFailClosed is returned (wrapped) when the verifier has no secret
// loaded. Callers should treat this identically to "invalid" — the
// distinction exists only so the caller can emit GATE_FAIL_CLOSED instead
// of GATE_DENIED.
var ErrFailClosed = errors.New("gate: no spawn secret loaded, failing closed")

// Verify reports whether worker currently holds a valid gate. Apex is
// exempt (spec.md §4.B step 1); everyone else must be whitelisted and
// hold a signed, unexpired, unforged artifact.
func (v *Verifier) Verify(worker string) (bool, error) {
	if worker == v.apexName {
		return true, nil
	}
	if len(v.secret) == 0 {
		return false, ErrFailClosed
	}
	if _, ok := v.whitelist[worker]; !ok {
		return false, nil
	}

	path := v.artifactPath(worker)
	info, err := os.Stat(path)
	if err != nil {
		return false, nil // missing/unreadable artifact is "unauthorized", never an error
	}

	if cached, ok := v.lookupCache(worker, info.ModTime()); ok {
		return cached, nil
	}

	verdict := v.verifyArtifact(path, worker)
	v.storeCache(worker, info.ModTime(), verdict)
	return verdict, nil
}

func (v *Verifier) artifactPath(worker string) string {
	return filepath.Join(v.artifactDir, worker+".spawn_gate")
}

func (v *Verifier) lookupCache(worker string, mtime time.Time) (bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.cache[worker]
	if !ok {
		return false, false
	}
	if !entry.mtime.Equal(mtime) {
		return false, false
	}
	if v.now().Sub(entry.cachedAt) > v.ttl {
		return false, false
	}
	return entry.verdict, true
}

func (v *Verifier) storeCache(worker string, mtime time.Time, verdict bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[worker] = cacheEntry{mtime: mtime, verdict: verdict, cachedAt: v.now()}
}

// verifyArtifact reads, parses and cryptographically checks one gate
// file. Any I/O or parse failure is treated as "unauthorized" — the
// verifier never returns an error from here, per spec.md §4.B.
func (v *Verifier) verifyArtifact(path, worker string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return false
	}
	if a.Issuer == "" || a.Subject == "" || a.IssuedAt == "" || a.ExpiresAt == "" || a.Signature == "" {
		return false
	}
	if a.Issuer != v.apexName {
		return false
	}
	if a.Subject != worker {
		return false
	}

	expires, err := time.Parse(time.RFC3339, a.ExpiresAt)
	if err != nil {
		return false
	}
	if !v.now().Before(expires) {
		return false
	}

	expected := v.sign(a.Subject, a.IssuedAt, a.ExpiresAt)
	return hmac.Equal([]byte(expected), []byte(a.Signature))
}

func (v *Verifier) sign(subject, issuedAt, expiresAt string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(subject))
	mac.Write([]byte("|"))
	mac.Write([]byte(issuedAt))
	mac.Write([]byte("|"))
	mac.Write([]byte(expiresAt))
	return hex.EncodeToString(mac.Sum(nil))
}
