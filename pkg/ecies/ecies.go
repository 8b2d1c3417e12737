// Package ecies implements the hybrid request/response encryption scheme of
// the activation protocol: ephemeral ECDH on P-256, an X9.63 envelope key
// schedule parameterized by scope, and AES-128-CBC with encrypt-then-MAC.
package ecies

import (
	"crypto/ecdh"

	"code.activault.org/server/pkg/crypto"
)

const (
	envelopeKeyLen = 48
	subkeyLen      = 16
	nonceLen       = 16
)

// Cryptogram is the wire form of an encrypted payload.
// The ephemeral public key travels only on requests; responses reuse the
// envelope key established by the request.
type Cryptogram struct {
	EphemeralPublicKey []byte `json:"ephemeralPublicKey,omitempty"`
	Mac                []byte `json:"mac"`
	EncryptedData      []byte `json:"encryptedData"`
	Nonce              []byte `json:"nonce,omitempty"`
}

// Check returns an error if the Cryptogram misses mandatory fields.
func (self Cryptogram) Check() error {
	if 0 == len(self.Mac) {
		return newError("missing mac")
	}
	if 0 == len(self.EncryptedData) {
		return newError("missing encrypted data")
	}
	return nil
}

// EnvelopeKey is the per request key material derived from the ECDH shared
// secret: enc subkey, mac subkey and IV base.
type EnvelopeKey struct {
	raw []byte
}

// DeriveEnvelopeKey computes the envelope key for an ephemeral public key
// against the static private key: K = KDF-X9.63(ECDH(S, E) ∥ sharedInfo1, 48).
func DeriveEnvelopeKey(staticKey *ecdh.PrivateKey, ephemeralPub []byte, sharedInfo1 SharedInfo1) (*EnvelopeKey, error) {
	pub, err := crypto.PublicKeyFromBytes(ephemeralPub)
	if nil != err {
		return nil, wrapError(ErrDecryption, "failed ephemeral key parsing, %v", err)
	}
	z, err := crypto.ComputeSharedSecret(staticKey, pub)
	if nil != err {
		return nil, wrapError(ErrDecryption, "failed ECDH, %v", err)
	}
	raw := crypto.KDFX963(z, []byte(sharedInfo1), envelopeKeyLen)
	return &EnvelopeKey{raw: raw}, nil
}

// EnvelopeKeyFromBytes wraps pre-derived envelope key material. It is the
// entry point for mediator servers holding only derived keys.
func EnvelopeKeyFromBytes(raw []byte) (*EnvelopeKey, error) {
	if len(raw) != envelopeKeyLen {
		return nil, newError("invalid envelope key size %d", len(raw))
	}
	return &EnvelopeKey{raw: raw}, nil
}

// SecretKey returns the raw envelope key bytes.
func (self *EnvelopeKey) SecretKey() []byte {
	return self.raw
}

func (self *EnvelopeKey) encKey() []byte { return self.raw[:subkeyLen] }
func (self *EnvelopeKey) macKey() []byte { return self.raw[subkeyLen : 2*subkeyLen] }
func (self *EnvelopeKey) ivBase() []byte { return self.raw[2*subkeyLen:] }

// iv returns the CBC IV: the key schedule IV base for protocol V3.0
// requests, or KDF(ivBase ∥ nonce) when a V3.1 nonce is present.
func (self *EnvelopeKey) iv(nonce []byte) []byte {
	if 0 == len(nonce) {
		return self.ivBase()
	}
	seed := append(append([]byte{}, self.ivBase()...), nonce...)
	return crypto.KDFX963(seed, nil, subkeyLen)
}

// Decryptor authenticates and decrypts request cryptograms and encrypts the
// paired response with the same envelope key.
//
// A Decryptor built with NewDecryptor derives the envelope key from the
// request ephemeral public key. A Decryptor built with
// NewDecryptorWithEnvelopeKey works from pre-derived key material and never
// sees the static private key (mediator mode).
type Decryptor struct {
	staticKey   *ecdh.PrivateKey
	sharedInfo1 SharedInfo1
	sharedInfo2 []byte
	key         *EnvelopeKey
	nonce       []byte
}

// NewDecryptor builds a Decryptor bound to a static private key.
// sharedInfo2 carries the scope specific MAC binding (see scopes.go).
func NewDecryptor(staticKey *ecdh.PrivateKey, sharedInfo1 SharedInfo1, sharedInfo2 []byte) *Decryptor {
	return &Decryptor{staticKey: staticKey, sharedInfo1: sharedInfo1, sharedInfo2: sharedInfo2}
}

// NewDecryptorWithEnvelopeKey builds a Decryptor from pre-derived envelope
// key material.
func NewDecryptorWithEnvelopeKey(key *EnvelopeKey, sharedInfo2 []byte) *Decryptor {
	return &Decryptor{key: key, sharedInfo2: sharedInfo2}
}

// InitEnvelopeKey derives the envelope key for ephemeralPub without
// decrypting anything.
func (self *Decryptor) InitEnvelopeKey(ephemeralPub []byte) error {
	if nil == self.staticKey {
		return newError("no static key")
	}
	key, err := DeriveEnvelopeKey(self.staticKey, ephemeralPub, self.sharedInfo1)
	if nil != err {
		return err
	}
	self.key = key
	return nil
}

// EnvelopeKey returns the envelope key, or nil before it has been derived.
func (self *Decryptor) EnvelopeKey() *EnvelopeKey {
	return self.key
}

// SharedInfo2 returns the scope MAC binding of the decryptor.
func (self *Decryptor) SharedInfo2() []byte {
	return self.sharedInfo2
}

// DecryptRequest verifies the cryptogram MAC and decrypts the payload.
// The MAC covers ciphertext ∥ sharedInfo2 and is compared in constant time.
// The envelope key and request nonce are kept for EncryptResponse.
func (self *Decryptor) DecryptRequest(cryptogram Cryptogram) ([]byte, error) {
	err := cryptogram.Check()
	if nil != err {
		return nil, wrapError(ErrDecryption, "invalid cryptogram, %v", err)
	}
	if len(cryptogram.Nonce) > 0 && len(cryptogram.Nonce) != nonceLen {
		return nil, wrapError(ErrDecryption, "invalid nonce size %d", len(cryptogram.Nonce))
	}
	if nil == self.key {
		if 0 == len(cryptogram.EphemeralPublicKey) {
			return nil, wrapError(ErrDecryption, "missing ephemeral public key")
		}
		err = self.InitEnvelopeKey(cryptogram.EphemeralPublicKey)
		if nil != err {
			return nil, err
		}
	}

	macData := append(append([]byte{}, cryptogram.EncryptedData...), self.sharedInfo2...)
	expect := crypto.HMACSHA256(self.key.macKey(), macData)
	if !crypto.SecureCompare(expect, cryptogram.Mac) {
		return nil, wrapError(ErrDecryption, "invalid mac")
	}

	plaintext, err := crypto.DecryptCBC(self.key.encKey(), self.key.iv(cryptogram.Nonce), cryptogram.EncryptedData)
	if nil != err {
		return nil, wrapError(ErrDecryption, "failed payload decryption")
	}
	self.nonce = cryptogram.Nonce

	return plaintext, nil
}

// EncryptResponse encrypts plaintext under the envelope key established by
// DecryptRequest, reusing the request nonce for IV derivation.
// The response cryptogram carries no ephemeral key.
func (self *Decryptor) EncryptResponse(plaintext []byte) (Cryptogram, error) {
	if nil == self.key {
		return Cryptogram{}, newError("no envelope key, DecryptRequest was not called")
	}
	ciphertext, err := crypto.EncryptCBC(self.key.encKey(), self.key.iv(self.nonce), plaintext)
	if nil != err {
		return Cryptogram{}, wrapError(err, "failed payload encryption")
	}
	macData := append(append([]byte{}, ciphertext...), self.sharedInfo2...)
	mac := crypto.HMACSHA256(self.key.macKey(), macData)

	return Cryptogram{Mac: mac, EncryptedData: ciphertext}, nil
}

// Encryptor is the client side pair of Decryptor. The server code base uses
// it in tests and device simulators only.
type Encryptor struct {
	key         *EnvelopeKey
	sharedInfo2 []byte
	ephemeral   []byte
	nonce       []byte
}

// NewEncryptor generates an ephemeral key pair against the static public key
// and derives the envelope key for the given scope. When useNonce is true a
// fresh request nonce is generated (protocol V3.1 IV derivation).
func NewEncryptor(staticPub *ecdh.PublicKey, sharedInfo1 SharedInfo1, sharedInfo2 []byte, useNonce bool) (*Encryptor, error) {
	ephemeral, err := crypto.GenerateKeyPair()
	if nil != err {
		return nil, wrapError(err, "failed ephemeral key generation")
	}
	z, err := crypto.ComputeSharedSecret(ephemeral, staticPub)
	if nil != err {
		return nil, wrapError(err, "failed ECDH")
	}
	raw := crypto.KDFX963(z, []byte(sharedInfo1), envelopeKeyLen)

	var nonce []byte
	if useNonce {
		nonce, err = crypto.RandomBytes(nonceLen)
		if nil != err {
			return nil, wrapError(err, "failed nonce generation")
		}
	}

	return &Encryptor{
		key:         &EnvelopeKey{raw: raw},
		sharedInfo2: sharedInfo2,
		ephemeral:   crypto.PublicKeyBytes(ephemeral.PublicKey()),
		nonce:       nonce,
	}, nil
}

// EncryptRequest builds a request cryptogram for plaintext.
func (self *Encryptor) EncryptRequest(plaintext []byte) (Cryptogram, error) {
	ciphertext, err := crypto.EncryptCBC(self.key.encKey(), self.key.iv(self.nonce), plaintext)
	if nil != err {
		return Cryptogram{}, wrapError(err, "failed payload encryption")
	}
	macData := append(append([]byte{}, ciphertext...), self.sharedInfo2...)
	mac := crypto.HMACSHA256(self.key.macKey(), macData)

	return Cryptogram{
		EphemeralPublicKey: self.ephemeral,
		Mac:                mac,
		EncryptedData:      ciphertext,
		Nonce:              self.nonce,
	}, nil
}

// DecryptResponse authenticates and decrypts a response cryptogram.
func (self *Encryptor) DecryptResponse(cryptogram Cryptogram) ([]byte, error) {
	err := cryptogram.Check()
	if nil != err {
		return nil, wrapError(ErrDecryption, "invalid cryptogram, %v", err)
	}

	macData := append(append([]byte{}, cryptogram.EncryptedData...), self.sharedInfo2...)
	expect := crypto.HMACSHA256(self.key.macKey(), macData)
	if !crypto.SecureCompare(expect, cryptogram.Mac) {
		return nil, wrapError(ErrDecryption, "invalid mac")
	}

	plaintext, err := crypto.DecryptCBC(self.key.encKey(), self.key.iv(self.nonce), cryptogram.EncryptedData)
	if nil != err {
		return nil, wrapError(ErrDecryption, "failed payload decryption")
	}
	return plaintext, nil
}
