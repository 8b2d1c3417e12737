package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2i parameters for PUK hashes. DO NOT EDIT: persisted hashes embed
// these values, changing the defaults only affects newly written hashes.
const (
	argonTime    = 3
	argonMemory  = 15 * 1024
	argonThreads = 16
	argonKeyLen  = 32
	argonSaltLen = 16
)

var argonEncoding = base64.RawStdEncoding

// HashPassword hashes password with Argon2i and returns the hash in modular
// crypt format: $argon2i$v=19$m=...,t=...,p=...$salt$digest
func HashPassword(password []byte) (string, error) {
	salt, err := RandomBytes(argonSaltLen)
	if nil != err {
		return "", wrapError(err, "failed salt generation")
	}
	digest := argon2.Key(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf(
		"$argon2i$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		argonEncoding.EncodeToString(salt),
		argonEncoding.EncodeToString(digest),
	), nil
}

// VerifyPassword verifies password against a modular crypt format Argon2i
// hash. The digest comparison is constant time.
func VerifyPassword(password []byte, mcfHash string) (bool, error) {
	parts := strings.Split(mcfHash, "$")
	if len(parts) != 6 || parts[1] != "argon2i" {
		return false, newError("unsupported password hash format")
	}
	var version int
	_, err := fmt.Sscanf(parts[2], "v=%d", &version)
	if nil != err {
		return false, wrapError(err, "failed parsing hash version")
	}
	var memory, time uint32
	var threads uint8
	_, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads)
	if nil != err {
		return false, wrapError(err, "failed parsing hash parameters")
	}
	salt, err := argonEncoding.DecodeString(parts[4])
	if nil != err {
		return false, wrapError(err, "failed salt decoding")
	}
	digest, err := argonEncoding.DecodeString(parts[5])
	if nil != err {
		return false, wrapError(err, "failed digest decoding")
	}

	candidate := argon2.Key(password, salt, time, memory, threads, uint32(len(digest)))
	return SecureCompare(candidate, digest), nil
}
