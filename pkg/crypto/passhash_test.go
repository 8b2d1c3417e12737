package crypto

import (
	"strings"
	"testing"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword([]byte("4721"))
	if nil != err {
		t.Fatalf("Failed hashing, got error %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2i$") {
		t.Errorf("Failed format control, %q", hash)
	}

	ok, err := VerifyPassword([]byte("4721"), hash)
	if nil != err {
		t.Fatalf("Failed verification, got error %v", err)
	}
	if !ok {
		t.Error("Failed match control")
	}

	ok, err = VerifyPassword([]byte("4722"), hash)
	if nil != err {
		t.Fatalf("Failed verification, got error %v", err)
	}
	if ok {
		t.Error("Failed mismatch control")
	}
}

func TestPasswordHashSalted(t *testing.T) {
	h1, err := HashPassword([]byte("4721"))
	if nil != err {
		t.Fatalf("Failed hashing, got error %v", err)
	}
	h2, err := HashPassword([]byte("4721"))
	if nil != err {
		t.Fatalf("Failed hashing, got error %v", err)
	}
	if h1 == h2 {
		t.Error("Failed salt control, identical hashes")
	}
}

func TestVerifyPasswordRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$ZGlnZXN0",
	}
	for _, hash := range cases {
		_, err := VerifyPassword([]byte("4721"), hash)
		if nil == err {
			t.Errorf("Failed rejection of %q", hash)
		}
	}
}
