package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Activation and recovery codes are 12 bytes (10 random + CRC-16) encoded as
// 20 base32 characters in four dash separated groups of five.
const (
	codeRandomLen  = 10
	codeTotalLen   = 23
	codeGroupLen   = 5
	tokenSecretLen = 16
	tokenIdLen     = 16
	pukDigits      = 4
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// base64url without padding, used for token identifiers.
var tokenEncoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// GenerateActivationId returns a new random activation identifier.
func GenerateActivationId() string {
	return uuid.NewString()
}

// GenerateActivationCode generates a fresh activation code in the
// AAAAA-BBBBB-CCCCC-DDDDE format where the trailing characters carry a
// CRC-16 checksum of the random payload.
func GenerateActivationCode() (string, error) {
	payload, err := RandomBytes(codeRandomLen)
	if nil != err {
		return "", wrapError(err, "failed code payload generation")
	}
	return encodeCode(payload), nil
}

// ValidateActivationCode checks the 23 character format and the embedded
// CRC-16 checksum of code.
func ValidateActivationCode(code string) bool {
	if len(code) != codeTotalLen {
		return false
	}
	groups := strings.Split(code, "-")
	if len(groups) != 4 {
		return false
	}
	var compact strings.Builder
	for _, g := range groups {
		if len(g) != codeGroupLen {
			return false
		}
		compact.WriteString(g)
	}
	raw, err := codeEncoding.DecodeString(compact.String())
	if nil != err || len(raw) != codeRandomLen+2 {
		return false
	}
	expect := crc16(raw[:codeRandomLen])
	return expect == binary.BigEndian.Uint16(raw[codeRandomLen:])
}

// GenerateRecoveryCode generates a recovery code together with its first PUK.
// Recovery codes share the activation code alphabet and checksum.
func GenerateRecoveryCode() (code string, puk string, err error) {
	code, err = GenerateActivationCode()
	if nil != err {
		return "", "", wrapError(err, "failed recovery code generation")
	}
	puk, err = GeneratePuk()
	if nil != err {
		return "", "", err
	}
	return code, puk, nil
}

// GeneratePuk returns a random numeric PUK.
func GeneratePuk() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < pukDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if nil != err {
		return "", wrapError(err, "failed PUK generation")
	}
	return fmt.Sprintf("%0*d", pukDigits, n), nil
}

// GenerateTokenId returns a new token identifier: 16 random bytes in
// urlsafe base64 without padding.
func GenerateTokenId() (string, error) {
	raw, err := RandomBytes(tokenIdLen)
	if nil != err {
		return "", wrapError(err, "failed token id generation")
	}
	return tokenEncoding.EncodeToString(raw), nil
}

// GenerateTokenSecret returns 16 random bytes of token secret material.
func GenerateTokenSecret() ([]byte, error) {
	return RandomBytes(tokenSecretLen)
}

// ComputeFingerprintV2 derives the 8 decimal digit device key fingerprint
// used by protocol version 2 clients.
func ComputeFingerprintV2(devicePublicKey *ecdh.PublicKey) string {
	digest := sha256.Sum256(PublicKeyBytes(devicePublicKey))
	return decimalizeFingerprint(digest[:])
}

// ComputeFingerprintV3 derives the 8 decimal digit fingerprint binding the
// device key, the server key and the activation identifier.
func ComputeFingerprintV3(devicePublicKey, serverPublicKey *ecdh.PublicKey, activationId string) string {
	h := sha256.New()
	h.Write(PublicKeyBytes(devicePublicKey))
	h.Write(PublicKeyBytes(serverPublicKey))
	h.Write([]byte(activationId))
	return decimalizeFingerprint(h.Sum(nil))
}

func decimalizeFingerprint(digest []byte) string {
	tail := binary.BigEndian.Uint32(digest[len(digest)-4:]) & 0x7FFF_FFFF
	return fmt.Sprintf("%08d", tail%100_000_000)
}

func encodeCode(payload []byte) string {
	raw := make([]byte, 0, codeRandomLen+2)
	raw = append(raw, payload...)
	raw = binary.BigEndian.AppendUint16(raw, crc16(payload))

	flat := codeEncoding.EncodeToString(raw)
	groups := make([]string, 0, 4)
	for i := 0; i < len(flat); i += codeGroupLen {
		groups = append(groups, flat[i:i+codeGroupLen])
	}
	return strings.Join(groups, "-")
}

// crc16 computes CRC-16/ARC (reflected 0x8005 polynomial).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
