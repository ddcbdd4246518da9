package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	sealed, err := k.Seal("sk-super-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "k1.") {
		t.Fatalf("sealed value missing key id prefix: %q", sealed)
	}
	if strings.Contains(sealed, "sk-super-secret") {
		t.Fatalf("sealed value leaks plaintext")
	}

	out, err := k.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-super-secret" {
		t.Fatalf("expected original credential, got %q", out)
	}
}

func TestOpenAfterRotation(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldRing, err := NewKeyring("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	legacy, err := oldRing.Seal("legacy-credential")
	if err != nil {
		t.Fatalf("seal with old key: %v", err)
	}

	rotated, err := NewKeyring("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}

	plain, err := rotated.Open(legacy)
	if err != nil {
		t.Fatalf("open with retired key: %v", err)
	}
	if plain != "legacy-credential" {
		t.Fatalf("unexpected plaintext %q", plain)
	}

	resealed, err := rotated.Reseal(legacy)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if !strings.HasPrefix(resealed, "new.") {
		t.Fatalf("reseal did not move to current key: %q", resealed)
	}
	if got, err := rotated.Open(resealed); err != nil || got != "legacy-credential" {
		t.Fatalf("open resealed: %v %q", err, got)
	}
}

func TestOpenRejectsMalformed(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	if _, err := k.Open("not-a-sealed-value"); err == nil {
		t.Fatalf("expected error for malformed input")
	}
	if _, err := k.Open("ghost.AAAA.AAAA"); err == nil {
		t.Fatalf("expected error for unknown key id")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
