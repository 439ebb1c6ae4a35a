package crypto

import "testing"

func TestAESGCMRoundTrip(t *testing.T) {
	enc, err := NewAESGCM([]byte("a sufficiently long master secret"), "content")
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}
	for _, plaintext := range []string{"", "hello", "MSH|^~\\&|A|B|C|D|20240101||ADT^A01|1|P|2.3"} {
		stored, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if !enc.Enabled() {
			t.Fatal("expected Enabled() true")
		}
		got, err := enc.Decrypt(stored)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestNoopEncryptor(t *testing.T) {
	var n NoopEncryptor
	stored, _ := n.Encrypt("plain")
	if stored != "plain" {
		t.Fatalf("expected noop passthrough, got %q", stored)
	}
	if n.Enabled() {
		t.Fatal("noop encryptor must report disabled")
	}
}
