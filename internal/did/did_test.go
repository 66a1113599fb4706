package did

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPKHRoundTrip(t *testing.T) {
	addr := common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	id := PKH(1, addr)
	if id != "did:pkh:eip155:1:0x52908400098527886E0F7030069857D2E4169EE7" {
		t.Fatalf("unexpected did %q", id)
	}
	chain, got, err := ParsePKH(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if chain != 1 || got != addr {
		t.Fatalf("round trip mismatch: %d %s", chain, got.Hex())
	}
	for _, bad := range []string{"did:pkh:solana:1:0xabc", "did:pkh:eip155:x:0x52908400098527886E0F7030069857D2E4169EE7", "did:pkh:eip155:1:nothex"} {
		if _, _, err := ParsePKH(bad); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %q, got %v", bad, err)
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id := Key(pub)
	// ed25519 did:keys always start with z6Mk
	if !strings.HasPrefix(id, "did:key:z6Mk") {
		t.Fatalf("unexpected did:key %q", id)
	}
	got, err := ParseKey(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(got, pub) {
		t.Fatalf("public key mismatch")
	}
	if _, err := ParseKey("did:key:zshort"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestKeyDocument(t *testing.T) {
	cur, _, _ := ed25519.GenerateKey(nil)
	old, _, _ := ed25519.GenerateKey(nil)
	doc := KeyDocument(cur, old)
	if doc.ID != Key(cur) {
		t.Fatalf("document id %q", doc.ID)
	}
	if len(doc.VerificationMethod) != 2 || len(doc.AssertionMethod) != 2 {
		t.Fatalf("expected two methods, got %+v", doc)
	}
	if doc.VerificationMethod[1].PublicKeyMultibase != Multibase(old) {
		t.Fatalf("second method should carry the older key")
	}
}
