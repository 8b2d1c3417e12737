package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
)

// Key derivation labels. The derived keys partition the ECDH shared secret of
// an activation into independent subkeys. DO NOT EDIT: changing a label
// invalidates every derived key persisted or held by devices.
const (
	LabelTransport           = "/pa/transport"
	LabelVault               = "/pa/vault"
	LabelSignaturePossession = "/pa/signature/possession"
	LabelSignatureKnowledge  = "/pa/signature/knowledge"
	LabelSignatureBiometry   = "/pa/signature/biometry"
)

// KDFX963 derives outLen bytes from secret and sharedInfo using the
// ANSI X9.63 construction over SHA-256:
//
//	K = H(secret ∥ counter_1 ∥ sharedInfo) ∥ H(secret ∥ counter_2 ∥ sharedInfo) ∥ ...
//
// with a 4-byte big-endian counter starting at 1.
func KDFX963(secret, sharedInfo []byte, outLen int) []byte {
	var counter [4]byte
	out := make([]byte, 0, outLen)
	for i := uint32(1); len(out) < outLen; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		h := sha256.New()
		h.Write(secret)
		h.Write(counter[:])
		h.Write(sharedInfo)
		out = h.Sum(out)
	}
	return out[:outLen]
}

// DeriveSecretKey derives a 16 byte subkey of sharedSecret for the given label.
func DeriveSecretKey(sharedSecret []byte, label string) []byte {
	return KDFX963(sharedSecret, []byte(label), 16)
}

// HMACSHA256 computes HMAC-SHA256 of data under key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// SecureCompare compares two byte slices in constant time.
func SecureCompare(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// RandomBytes returns n bytes of cryptographically secure random data.
// It errors if the platform entropy source fails.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, buf)
	if nil != err {
		return nil, wrapError(err, "failed reading %d random bytes", n)
	}
	return buf, nil
}
