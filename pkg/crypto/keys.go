package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
)

// All protocol keys live on NIST P-256.

const (
	compressedPointLen   = 33
	uncompressedPointLen = 65
)

// GenerateKeyPair generates a new P-256 key pair.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	return key, wrapError(err, "failed P-256 key generation") // nil if err is nil
}

// PrivateKeyBytes returns the 32 byte big-endian scalar of key.
func PrivateKeyBytes(key *ecdh.PrivateKey) []byte {
	return key.Bytes()
}

// PrivateKeyFromBytes rebuilds a P-256 private key from its scalar bytes.
func PrivateKeyFromBytes(data []byte) (*ecdh.PrivateKey, error) {
	key, err := ecdh.P256().NewPrivateKey(data)
	if nil != err {
		return nil, wrapError(ErrKeyFormat, "failed P-256 private key parsing, %v", err)
	}
	return key, nil
}

// PublicKeyBytes returns the compressed 33 byte SEC1 encoding of key.
// The compressed form is the protocol wire format for EC points.
func PublicKeyBytes(key *ecdh.PublicKey) []byte {
	raw := key.Bytes() // uncompressed, 65 bytes
	x := new(big.Int).SetBytes(raw[1 : 1+32])
	y := new(big.Int).SetBytes(raw[1+32:])
	return elliptic.MarshalCompressed(elliptic.P256(), x, y)
}

// PublicKeyFromBytes parses a P-256 public key from its SEC1 encoding,
// accepting both the compressed (33 byte) and uncompressed (65 byte) forms.
func PublicKeyFromBytes(data []byte) (*ecdh.PublicKey, error) {
	switch len(data) {
	case compressedPointLen:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), data)
		if nil == x {
			return nil, wrapError(ErrKeyFormat, "failed compressed point parsing")
		}
		raw := make([]byte, 0, uncompressedPointLen)
		raw = append(raw, 0x04)
		raw = append(raw, x.FillBytes(make([]byte, 32))...)
		raw = append(raw, y.FillBytes(make([]byte, 32))...)
		data = raw
	case uncompressedPointLen:
		// accepted as is
	default:
		return nil, wrapError(ErrKeyFormat, "invalid point size %d", len(data))
	}

	key, err := ecdh.P256().NewPublicKey(data)
	if nil != err {
		return nil, wrapError(ErrKeyFormat, "failed P-256 public key parsing, %v", err)
	}
	return key, nil
}

// ComputeSharedSecret runs ECDH between priv and pub and returns the 32 byte
// x-coordinate shared secret.
func ComputeSharedSecret(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	z, err := priv.ECDH(pub)
	return z, wrapError(err, "failed ECDH") // nil if err is nil
}

// SignECDSA signs SHA-256(data) with priv and returns the ASN.1 DER signature.
func SignECDSA(priv *ecdh.PrivateKey, data []byte) ([]byte, error) {
	ecdsaKey, err := ecdsaPrivateKey(priv)
	if nil != err {
		return nil, err
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, ecdsaKey, digest[:])
	return sig, wrapError(err, "failed ECDSA signing") // nil if err is nil
}

// VerifyECDSA verifies an ASN.1 DER signature of SHA-256(data) against pub.
func VerifyECDSA(pub *ecdh.PublicKey, data, signature []byte) bool {
	ecdsaKey, err := ecdsaPublicKey(pub)
	if nil != err {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(ecdsaKey, digest[:], signature)
}

func ecdsaPrivateKey(priv *ecdh.PrivateKey) (*ecdsa.PrivateKey, error) {
	pub, err := ecdsaPublicKey(priv.PublicKey())
	if nil != err {
		return nil, err
	}
	return &ecdsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(priv.Bytes()),
	}, nil
}

func ecdsaPublicKey(pub *ecdh.PublicKey) (*ecdsa.PublicKey, error) {
	raw := pub.Bytes()
	if len(raw) != uncompressedPointLen || raw[0] != 0x04 {
		return nil, wrapError(ErrKeyFormat, "unexpected public key encoding")
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1 : 1+32]),
		Y:     new(big.Int).SetBytes(raw[1+32:]),
	}, nil
}
