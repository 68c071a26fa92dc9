package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"relbot/internal/release"
	"relbot/internal/store"
	logx "relbot/pkg/logx"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func openStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := sealer.Seal("ghp_secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "ghp_secret") {
		t.Fatalf("sealed value leaks plaintext: %q", sealed)
	}
	plain, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "ghp_secret" {
		t.Fatalf("round trip = %q", plain)
	}

	// Two seals of the same value differ (random nonce).
	sealed2, _ := sealer.Seal("ghp_secret")
	if sealed == sealed2 {
		t.Fatalf("expected distinct ciphertexts")
	}
}

func TestSealerRejectsBadKeys(t *testing.T) {
	if _, err := NewSealer("not-base64!!"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	if _, err := NewSealer(short); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestSealerWrongKeyFailsOpen(t *testing.T) {
	a, _ := NewSealer(testKey(t))
	b, _ := NewSealer(testKey(t))
	sealed, _ := a.Seal("token")
	if _, err := b.Open(sealed); err == nil {
		t.Fatalf("expected open with wrong key to fail")
	}
}

func TestManagerPlaintextWhenNoKey(t *testing.T) {
	ctx := t.Context()
	st := openStore(t)
	m, err := NewManager(st, "", logx.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := m.Set(ctx, 100, release.PlatformGitHub, "tok-plain"); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, ok, _ := st.Credential(ctx, 100, release.PlatformGitHub)
	if !ok || raw != "tok-plain" {
		t.Fatalf("stored value = %q ok=%v, want plaintext", raw, ok)
	}
	token, ok, err := m.Resolve(ctx, 100, release.PlatformGitHub)
	if err != nil || !ok || token != "tok-plain" {
		t.Fatalf("resolve = %q ok=%v err=%v", token, ok, err)
	}
}

func TestManagerSealsAtRest(t *testing.T) {
	ctx := t.Context()
	st := openStore(t)
	m, err := NewManager(st, testKey(t), logx.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := m.Set(ctx, 100, release.PlatformGitLab, "glpat-secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, ok, _ := st.Credential(ctx, 100, release.PlatformGitLab)
	if !ok || strings.Contains(raw, "glpat-secret") {
		t.Fatalf("stored value not sealed: %q", raw)
	}

	token, ok, err := m.Resolve(ctx, 100, release.PlatformGitLab)
	if err != nil || !ok || token != "glpat-secret" {
		t.Fatalf("resolve = %q ok=%v err=%v", token, ok, err)
	}

	if _, ok, _ := m.Resolve(ctx, 999, release.PlatformGitLab); ok {
		t.Fatalf("expected miss for unknown subscriber")
	}

	if err := m.Delete(ctx, 100, release.PlatformGitLab); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := m.Resolve(ctx, 100, release.PlatformGitLab); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestManagerTreatsUnopenableAsMissing(t *testing.T) {
	ctx := t.Context()
	st := openStore(t)

	// Token sealed under a key the manager no longer has.
	old, _ := NewManager(st, testKey(t), logx.Nop())
	if err := old.Set(ctx, 100, release.PlatformGitHub, "sealed-under-old-key"); err != nil {
		t.Fatalf("set: %v", err)
	}

	m, err := NewManager(st, testKey(t), logx.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, ok, err := m.Resolve(ctx, 100, release.PlatformGitHub)
	if err != nil {
		t.Fatalf("resolve should not error: %v", err)
	}
	if ok || token != "" {
		t.Fatalf("expected unopenable credential to resolve as missing, got %q", token)
	}
}
