package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
)

// EncryptCBC encrypts plaintext with AES-128-CBC under key and iv,
// applying PKCS#7 padding.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if nil != err {
		return nil, wrapError(err, "failed AES cipher creation")
	}
	if len(iv) != block.BlockSize() {
		return nil, newError("invalid IV size %d", len(iv))
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return out, nil
}

// DecryptCBC decrypts AES-128-CBC ciphertext under key and iv and removes
// PKCS#7 padding. It errors if the ciphertext or the padding is malformed.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if nil != err {
		return nil, wrapError(err, "failed AES cipher creation")
	}
	if len(iv) != block.BlockSize() {
		return nil, newError("invalid IV size %d", len(iv))
	}
	if 0 == len(ciphertext) || 0 != len(ciphertext)%block.BlockSize() {
		return nil, newError("invalid ciphertext size %d", len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	return pkcs7Unpad(out, block.BlockSize())
}

func pkcs7Pad(data []byte, blocksize int) []byte {
	padlen := blocksize - len(data)%blocksize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(padlen)}, padlen)...)
}

func pkcs7Unpad(data []byte, blocksize int) ([]byte, error) {
	if 0 == len(data) {
		return nil, newError("empty padded data")
	}
	padlen := int(data[len(data)-1])
	if padlen == 0 || padlen > blocksize || padlen > len(data) {
		return nil, newError("invalid padding")
	}
	for _, b := range data[len(data)-padlen:] {
		if int(b) != padlen {
			return nil, newError("invalid padding")
		}
	}
	return data[:len(data)-padlen], nil
}
