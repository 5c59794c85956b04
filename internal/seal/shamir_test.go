package seal

import "testing"

func TestSplitCombineRoundTrip(t *testing.T) {
	key := "this-is-a-fifty-character-ish-master-key-abcde"
	shares, err := Split(key, 5, 3)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}
	if len(shares) != 5 {
		t.Fatalf("expected 5 shares, got %d", len(shares))
	}

	got, err := Combine(shares[:3])
	if err != nil {
		t.Fatalf("Combine() error: %v", err)
	}
	if got != key {
		t.Errorf("Combine() = %q, want %q", got, key)
	}

	got, err = Combine([]string{shares[1], shares[3], shares[4]})
	if err != nil {
		t.Fatalf("Combine() with a different subset error: %v", err)
	}
	if got != key {
		t.Errorf("Combine() with a different subset = %q, want %q", got, key)
	}
}

func TestCombineBelowThresholdFails(t *testing.T) {
	key := "another-master-key-value-used-for-testing-xyz12"
	shares, err := Split(key, 5, 3)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}

	got, err := Combine(shares[:2])
	if err == nil && got == key {
		t.Fatal("expected reconstruction from fewer than threshold shares to fail or differ")
	}
}

func TestSplitRejectsBadThreshold(t *testing.T) {
	if _, err := Split("key", 3, 0); err == nil {
		t.Error("expected error for threshold == 0")
	}
	if _, err := Split("key", 2, 3); err == nil {
		t.Error("expected error for shares < threshold")
	}
}

func TestShareCipherRoundTrip(t *testing.T) {
	c, err := NewShareCipher()
	if err != nil {
		t.Fatalf("NewShareCipher() error: %v", err)
	}

	nonce, ciphertext, err := c.Encrypt([]byte("a key share"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	plaintext, err := c.Decrypt(nonce, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if string(plaintext) != "a key share" {
		t.Errorf("Decrypt() = %q, want %q", plaintext, "a key share")
	}
}
