package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "test-spawn-secret"

func signArtifact(t *testing.T, secret, issuer, subject, issuedAt, expiresAt string) Artifact {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(subject))
	mac.Write([]byte("|"))
	mac.Write([]byte(issuedAt))
	mac.Write([]byte("|"))
	mac.Write([]byte(expiresAt))
	sig := hex.EncodeToString(mac.Sum(nil))
	return Artifact{Issuer: issuer, Subject: subject, IssuedAt: issuedAt, ExpiresAt: expiresAt, Signature: sig}
}

func writeArtifact(t *testing.T, dir, worker string, a Artifact) {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, worker+".spawn_gate"), data, 0o644))
}

func TestVerify_ApexBypass(t *testing.T) {
	v := New(testSecret, t.TempDir(), "Apex", 60*time.Second, nil)
	ok, err := v.Verify("Apex")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerify_FailClosedWithoutSecret(t *testing.T) {
	v := New("", t.TempDir(), "Apex", 60*time.Second, []string{"worker-1"})
	ok, err := v.Verify("worker-1")
	require.ErrorIs(t, err, ErrFailClosed)
	require.False(t, ok)
}

func TestVerify_NotWhitelisted(t *testing.T) {
	v := New(testSecret, t.TempDir(), "Apex", 60*time.Second, nil)
	ok, err := v.Verify("stranger")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerify_ValidArtifact(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	a := signArtifact(t, testSecret, "Apex", "worker-1", now.Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))
	writeArtifact(t, dir, "worker-1", a)

	v := New(testSecret, dir, "Apex", 60*time.Second, []string{"worker-1"})
	ok, err := v.Verify("worker-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerify_ExpiredArtifact(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	a := signArtifact(t, testSecret, "Apex", "worker-1", now.Add(-2*time.Hour).Format(time.RFC3339), now.Add(-time.Hour).Format(time.RFC3339))
	writeArtifact(t, dir, "worker-1", a)

	v := New(testSecret, dir, "Apex", 60*time.Second, []string{"worker-1"})
	ok, err := v.Verify("worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerify_ForgedSignature(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	a := signArtifact(t, "wrong-secret", "Apex", "worker-1", now.Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))
	writeArtifact(t, dir, "worker-1", a)

	v := New(testSecret, dir, "Apex", 60*time.Second, []string{"worker-1"})
	ok, err := v.Verify("worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerify_WrongIssuer(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	a := signArtifact(t, testSecret, "NotApex", "worker-1", now.Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))
	writeArtifact(t, dir, "worker-1", a)

	v := New(testSecret, dir, "Apex", 60*time.Second, []string{"worker-1"})
	ok, err := v.Verify("worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerify_MissingArtifact(t *testing.T) {
	v := New(testSecret, t.TempDir(), "Apex", 60*time.Second, []string{"worker-1"})
	ok, err := v.Verify("worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

// A revocation (file removed) must be visible on the very next check —
// the cache key includes mtime, but a removed file has no mtime to match.
func TestVerify_RevocationVisibleImmediately(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	a := signArtifact(t, testSecret, "Apex", "worker-1", now.Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))
	writeArtifact(t, dir, "worker-1", a)

	v := New(testSecret, dir, "Apex", 60*time.Second, []string{"worker-1"})
	ok, err := v.Verify("worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, os.Remove(filepath.Join(dir, "worker-1.spawn_gate")))

	ok, err = v.Verify("worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

// A rewrite that changes the artifact's mtime must bypass the cache even
// within the TTL window.
func TestVerify_CacheInvalidatedOnRewrite(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	good := signArtifact(t, testSecret, "Apex", "worker-1", now.Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))
	writeArtifact(t, dir, "worker-1", good)

	v := New(testSecret, dir, "Apex", 60*time.Second, []string{"worker-1"})
	ok, err := v.Verify("worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate revocation by corrupting the signature and bumping mtime.
	bad := good
	bad.Signature = "deadbeef"
	writeArtifact(t, dir, "worker-1", bad)
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "worker-1.spawn_gate"), future, future))

	ok, err = v.Verify("worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}
