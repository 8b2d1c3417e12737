// Package keyvault encrypts server side secrets at rest: activation server
// private keys and recovery PUK hashes. Records carry the mode they were
// written with, so that the master secret can be introduced (or rotated to a
// new mode) without rewriting existing rows.
package keyvault

import (
	"strings"

	"code.activault.org/server/pkg/crypto"
)

// EncryptionMode tags how a stored secret is protected.
type EncryptionMode byte

const (
	// NoEncryption stores the secret as given.
	NoEncryption = EncryptionMode(0)
	// AESHMAC encrypts the secret with AES-128-CBC under a key derived from
	// the master secret, with an IV bound to the record context.
	AESHMAC = EncryptionMode(1)
)

// Check returns an error if the EncryptionMode is unknown.
func (self EncryptionMode) Check() error {
	switch self {
	case NoEncryption, AESHMAC:
		return nil
	}
	return newError("unknown encryption mode %d", self)
}

const (
	encLabel = "/at-rest/encryption"
	macLabel = "/at-rest/mac"

	macLen = 32
)

// Codec encrypts and decrypts stored secrets under a process wide master
// secret. The zero Codec (empty master secret) only supports NoEncryption.
type Codec struct {
	masterSecret []byte
	mode         EncryptionMode
}

// NewCodec returns a Codec writing new records in the given mode.
// It errors if mode is AESHMAC and masterSecret is empty.
func NewCodec(masterSecret []byte, mode EncryptionMode) (*Codec, error) {
	err := mode.Check()
	if nil != err {
		return nil, err
	}
	if AESHMAC == mode && 0 == len(masterSecret) {
		return nil, newError("AESHMAC mode requires a master secret")
	}
	return &Codec{masterSecret: masterSecret, mode: mode}, nil
}

// Mode returns the mode used for newly written records.
func (self *Codec) Mode() EncryptionMode {
	return self.mode
}

// Encrypt protects secret for storage. context binds the ciphertext to the
// owning record; decryption with a different context fails.
func (self *Codec) Encrypt(secret []byte, context ...string) (EncryptionMode, []byte, error) {
	switch self.mode {
	case NoEncryption:
		return NoEncryption, append([]byte{}, secret...), nil
	case AESHMAC:
		key := crypto.DeriveSecretKey(self.masterSecret, encLabel)
		iv := crypto.HMACSHA256(self.masterSecret, contextBytes(context))[:16]
		ciphertext, err := crypto.EncryptCBC(key, iv, secret)
		if nil != err {
			return 0, nil, wrapError(err, "failed secret encryption")
		}
		// the MAC covers iv ∥ ciphertext, binding the record to its context
		macKey := crypto.DeriveSecretKey(self.masterSecret, macLabel)
		mac := crypto.HMACSHA256(macKey, append(append([]byte{}, iv...), ciphertext...))
		return AESHMAC, append(ciphertext, mac...), nil
	}
	return 0, nil, newError("unknown encryption mode %d", self.mode)
}

// Decrypt recovers a stored secret, honoring the mode the record was written
// with. context must match the tuple given at encryption time.
func (self *Codec) Decrypt(mode EncryptionMode, stored []byte, context ...string) ([]byte, error) {
	switch mode {
	case NoEncryption:
		return append([]byte{}, stored...), nil
	case AESHMAC:
		if 0 == len(self.masterSecret) {
			return nil, newError("record requires a master secret")
		}
		if len(stored) <= macLen {
			return nil, newError("stored secret too short")
		}
		ciphertext, mac := stored[:len(stored)-macLen], stored[len(stored)-macLen:]
		key := crypto.DeriveSecretKey(self.masterSecret, encLabel)
		iv := crypto.HMACSHA256(self.masterSecret, contextBytes(context))[:16]
		macKey := crypto.DeriveSecretKey(self.masterSecret, macLabel)
		expect := crypto.HMACSHA256(macKey, append(append([]byte{}, iv...), ciphertext...))
		if !crypto.SecureCompare(expect, mac) {
			return nil, newError("record mac mismatch")
		}
		secret, err := crypto.DecryptCBC(key, iv, ciphertext)
		if nil != err {
			return nil, wrapError(err, "failed secret decryption")
		}
		return secret, nil
	}
	return nil, newError("unknown encryption mode %d", mode)
}

// contextBytes folds the context tuple into an unambiguous byte string.
// The separator guards against (a, bc) and (ab, c) colliding.
func contextBytes(context []string) []byte {
	return []byte(strings.Join(context, "\x1f"))
}
