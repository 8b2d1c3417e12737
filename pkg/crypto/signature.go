package crypto

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// SignatureType enumerates the factor combinations a client can sign with.
type SignatureType string

const (
	SignaturePossession                  = SignatureType("POSSESSION")
	SignatureKnowledge                   = SignatureType("KNOWLEDGE")
	SignatureBiometry                    = SignatureType("BIOMETRY")
	SignaturePossessionKnowledge         = SignatureType("POSSESSION_KNOWLEDGE")
	SignaturePossessionBiometry          = SignatureType("POSSESSION_BIOMETRY")
	SignaturePossessionKnowledgeBiometry = SignatureType("POSSESSION_KNOWLEDGE_BIOMETRY")
)

// Check returns an error if the SignatureType is not a known combination.
func (self SignatureType) Check() error {
	switch self {
	case SignaturePossession, SignatureKnowledge, SignatureBiometry,
		SignaturePossessionKnowledge, SignaturePossessionBiometry,
		SignaturePossessionKnowledgeBiometry:
		return nil
	}
	return newError("unknown signature type %q", string(self))
}

// FactorKeys derives the per-factor signature keys for sharedSecret in the
// order the factors appear in the SignatureType name.
func (self SignatureType) FactorKeys(sharedSecret []byte) [][]byte {
	var keys [][]byte
	for _, factor := range strings.Split(string(self), "_") {
		switch factor {
		case "POSSESSION":
			keys = append(keys, DeriveSecretKey(sharedSecret, LabelSignaturePossession))
		case "KNOWLEDGE":
			keys = append(keys, DeriveSecretKey(sharedSecret, LabelSignatureKnowledge))
		case "BIOMETRY":
			keys = append(keys, DeriveSecretKey(sharedSecret, LabelSignatureBiometry))
		}
	}
	return keys
}

// ComputeSignature computes the online signature of data for the given
// counter state and factor keys. Each factor contributes an 8 decimal digit
// component, components are joined with dashes.
func ComputeSignature(factorKeys [][]byte, ctrData, data []byte) string {
	components := make([]string, 0, len(factorKeys))
	for _, key := range factorKeys {
		mac := HMACSHA256(key, append(append([]byte{}, data...), ctrData...))
		tail := binary.BigEndian.Uint32(mac[len(mac)-4:]) & 0x7FFF_FFFF
		components = append(components, fmt.Sprintf("%08d", tail%100_000_000))
	}
	return strings.Join(components, "-")
}

// ComputeTokenDigest computes the token authentication digest:
// HMAC-SHA256(tokenSecret, nonce ∥ ascii(timestampMillis)).
func ComputeTokenDigest(tokenSecret, nonce []byte, timestampMillis int64) []byte {
	data := append(append([]byte{}, nonce...), []byte(strconv.FormatInt(timestampMillis, 10))...)
	return HMACSHA256(tokenSecret, data)
}

// ValidateTokenDigest verifies digest against the expected token digest in
// constant time.
func ValidateTokenDigest(tokenSecret, nonce []byte, timestampMillis int64, digest []byte) bool {
	return SecureCompare(ComputeTokenDigest(tokenSecret, nonce, timestampMillis), digest)
}
