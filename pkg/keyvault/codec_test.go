package keyvault

import (
	"bytes"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec([]byte("master-secret"), AESHMAC)
	if nil != err {
		t.Fatalf("Failed codec creation, got error %v", err)
	}

	secret := []byte("server-private-key-material-1234")
	mode, stored, err := codec.Encrypt(secret, "alice", "activation-1")
	if nil != err {
		t.Fatalf("Failed encryption, got error %v", err)
	}
	if AESHMAC != mode {
		t.Errorf("Failed mode control, %d", mode)
	}
	if bytes.Contains(stored, secret) {
		t.Error("Failed protection control, plaintext visible")
	}

	decrypted, err := codec.Decrypt(mode, stored, "alice", "activation-1")
	if nil != err {
		t.Fatalf("Failed decryption, got error %v", err)
	}
	if !bytes.Equal(secret, decrypted) {
		t.Error("Failed round trip")
	}
}

func TestCodecContextBinding(t *testing.T) {
	codec, err := NewCodec([]byte("master-secret"), AESHMAC)
	if nil != err {
		t.Fatalf("Failed codec creation, got error %v", err)
	}

	mode, stored, err := codec.Encrypt([]byte("secret"), "alice", "activation-1")
	if nil != err {
		t.Fatalf("Failed encryption, got error %v", err)
	}

	cases := [][]string{
		{"alice", "activation-2"},
		{"bob", "activation-1"},
		{"alice"},
		{"alicea", "ctivation-1"},
		{},
	}
	for _, context := range cases {
		_, err = codec.Decrypt(mode, stored, context...)
		if nil == err {
			t.Errorf("Failed context binding control for %v", context)
		}
	}
}

func TestCodecNoEncryption(t *testing.T) {
	codec, err := NewCodec(nil, NoEncryption)
	if nil != err {
		t.Fatalf("Failed codec creation, got error %v", err)
	}

	secret := []byte("plain")
	mode, stored, err := codec.Encrypt(secret, "alice", "activation-1")
	if nil != err {
		t.Fatalf("Failed encryption, got error %v", err)
	}
	if NoEncryption != mode {
		t.Errorf("Failed mode control, %d", mode)
	}
	if !bytes.Equal(secret, stored) {
		t.Error("Failed passthrough control")
	}

	decrypted, err := codec.Decrypt(mode, stored, "alice", "activation-1")
	if nil != err {
		t.Fatalf("Failed decryption, got error %v", err)
	}
	if !bytes.Equal(secret, decrypted) {
		t.Error("Failed round trip")
	}
}

// Records written before the master secret was introduced stay readable:
// the stored mode wins over the codec write mode.
func TestCodecHonorsStoredMode(t *testing.T) {
	plainCodec, err := NewCodec(nil, NoEncryption)
	if nil != err {
		t.Fatalf("Failed codec creation, got error %v", err)
	}
	mode, stored, err := plainCodec.Encrypt([]byte("legacy"), "alice", "activation-1")
	if nil != err {
		t.Fatalf("Failed encryption, got error %v", err)
	}

	encryptingCodec, err := NewCodec([]byte("master-secret"), AESHMAC)
	if nil != err {
		t.Fatalf("Failed codec creation, got error %v", err)
	}
	decrypted, err := encryptingCodec.Decrypt(mode, stored, "alice", "activation-1")
	if nil != err {
		t.Fatalf("Failed decryption, got error %v", err)
	}
	if !bytes.Equal([]byte("legacy"), decrypted) {
		t.Error("Failed legacy record control")
	}
}

func TestCodecRequiresMasterSecret(t *testing.T) {
	_, err := NewCodec(nil, AESHMAC)
	if nil == err {
		t.Error("Failed master secret requirement control")
	}
}
