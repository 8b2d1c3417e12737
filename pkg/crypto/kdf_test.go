package crypto

import (
	"bytes"
	"testing"
)

func TestKDFX963(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	k48 := KDFX963(secret, []byte("/pa/activation"), 48)
	if len(k48) != 48 {
		t.Errorf("Failed length control, %d != 48", len(k48))
	}
	if !bytes.Equal(k48, KDFX963(secret, []byte("/pa/activation"), 48)) {
		t.Error("Failed determinism control")
	}
	if bytes.Equal(k48[:16], KDFX963(secret, []byte("/pa/token/create"), 16)) {
		t.Error("Failed sharedInfo separation control")
	}
	// prefix property of the counter construction
	if !bytes.Equal(k48[:16], KDFX963(secret, []byte("/pa/activation"), 16)) {
		t.Error("Failed prefix control")
	}
}

func TestDeriveSecretKeySeparation(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	labels := []string{
		LabelTransport, LabelVault,
		LabelSignaturePossession, LabelSignatureKnowledge, LabelSignatureBiometry,
	}
	seen := make(map[string]bool)
	for _, label := range labels {
		key := DeriveSecretKey(secret, label)
		if len(key) != 16 {
			t.Errorf("Failed length control for %s", label)
		}
		if seen[string(key)] {
			t.Errorf("Failed separation control, %s collides", label)
		}
		seen[string(key)] = true
	}
}

func TestCtrDataChain(t *testing.T) {
	ctr0, err := InitCtrData()
	if nil != err {
		t.Fatalf("Failed counter init, got error %v", err)
	}
	if len(ctr0) != CtrDataLen {
		t.Fatalf("Failed length control, %d != %d", len(ctr0), CtrDataLen)
	}

	ctr1 := NextCtrData(ctr0)
	ctr2 := NextCtrData(ctr1)
	if len(ctr1) != CtrDataLen || len(ctr2) != CtrDataLen {
		t.Error("Failed length control of advanced counters")
	}
	if bytes.Equal(ctr0, ctr1) || bytes.Equal(ctr1, ctr2) {
		t.Error("Failed progression control")
	}
	if !bytes.Equal(ctr1, NextCtrData(ctr0)) {
		t.Error("Failed determinism control")
	}
}

func TestCipherRoundTrip(t *testing.T) {
	key := DeriveSecretKey([]byte("shared"), LabelTransport)
	iv := make([]byte, 16)

	for _, size := range []int{0, 1, 15, 16, 17, 64, 1000} {
		plaintext := bytes.Repeat([]byte{0xA5}, size)
		ciphertext, err := EncryptCBC(key, iv, plaintext)
		if nil != err {
			t.Fatalf("Failed encryption of %d bytes, got error %v", size, err)
		}
		decrypted, err := DecryptCBC(key, iv, ciphertext)
		if nil != err {
			t.Fatalf("Failed decryption of %d bytes, got error %v", size, err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Errorf("Failed round trip of %d bytes", size)
		}
	}
}

func TestTokenDigest(t *testing.T) {
	secret := []byte("0123456789abcdef")
	nonce := []byte("nonce-0123456789")
	const ts = int64(1736951428000)

	digest := ComputeTokenDigest(secret, nonce, ts)
	if !ValidateTokenDigest(secret, nonce, ts, digest) {
		t.Fatal("Failed digest validation")
	}

	// flipping any input bit must invalidate the digest
	tampered := append([]byte{}, digest...)
	tampered[0] ^= 0x01
	if ValidateTokenDigest(secret, nonce, ts, tampered) {
		t.Error("Failed tampered digest rejection")
	}
	wrongNonce := append([]byte{}, nonce...)
	wrongNonce[3] ^= 0x80
	if ValidateTokenDigest(secret, wrongNonce, ts, digest) {
		t.Error("Failed wrong nonce rejection")
	}
	if ValidateTokenDigest(secret, nonce, ts+1, digest) {
		t.Error("Failed wrong timestamp rejection")
	}
	wrongSecret := append([]byte{}, secret...)
	wrongSecret[7] ^= 0x10
	if ValidateTokenDigest(wrongSecret, nonce, ts, digest) {
		t.Error("Failed wrong secret rejection")
	}
}

func TestSignatureComputation(t *testing.T) {
	shared := []byte("0123456789abcdef0123456789abcdef")
	ctr, err := InitCtrData()
	if nil != err {
		t.Fatalf("Failed counter init, got error %v", err)
	}
	data := []byte("POST&L3BhL3NpZ25hdHVyZS92ZXJpZnk=&nonce&payload")

	keys := SignaturePossessionKnowledge.FactorKeys(shared)
	if len(keys) != 2 {
		t.Fatalf("Failed factor key count control, %d != 2", len(keys))
	}

	signature := ComputeSignature(keys, ctr, data)
	parts := 0
	for _, part := range splitSignature(signature) {
		if len(part) != 8 {
			t.Errorf("Failed component length control, %q", part)
		}
		parts++
	}
	if parts != 2 {
		t.Errorf("Failed component count control, %d != 2", parts)
	}

	if signature != ComputeSignature(keys, ctr, data) {
		t.Error("Failed determinism control")
	}
	if signature == ComputeSignature(keys, NextCtrData(ctr), data) {
		t.Error("Failed counter sensitivity control")
	}
}

func splitSignature(s string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || '-' == s[i] {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return parts
}
