package ecies

import (
	"bytes"
	"errors"
	"testing"

	"code.activault.org/server/pkg/crypto"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		scope    SharedInfo1
		useNonce bool
	}{
		{"application scope V3.0", ActivationLayer2, false},
		{"application scope V3.1", ActivationLayer2, true},
		{"token scope V3.0", CreateToken, false},
		{"vault scope V3.1", VaultUnlock, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			staticKey, err := crypto.GenerateKeyPair()
			if nil != err {
				t.Fatalf("Failed key generation, got error %v", err)
			}
			sharedInfo2 := SharedInfo2ForApplication([]byte("app-secret"))

			encryptor, err := NewEncryptor(staticKey.PublicKey(), tc.scope, sharedInfo2, tc.useNonce)
			if nil != err {
				t.Fatalf("Failed encryptor creation, got error %v", err)
			}
			plaintext := []byte(`{"devicePublicKey":"...","activationName":"my phone"}`)
			cryptogram, err := encryptor.EncryptRequest(plaintext)
			if nil != err {
				t.Fatalf("Failed request encryption, got error %v", err)
			}

			decryptor := NewDecryptor(staticKey, tc.scope, sharedInfo2)
			decrypted, err := decryptor.DecryptRequest(cryptogram)
			if nil != err {
				t.Fatalf("Failed request decryption, got error %v", err)
			}
			if !bytes.Equal(plaintext, decrypted) {
				t.Error("Failed request round trip")
			}

			response := []byte(`{"activationId":"A"}`)
			responseCryptogram, err := decryptor.EncryptResponse(response)
			if nil != err {
				t.Fatalf("Failed response encryption, got error %v", err)
			}
			if len(responseCryptogram.EphemeralPublicKey) > 0 {
				t.Error("Failed response form control, carries ephemeral key")
			}
			decryptedResponse, err := encryptor.DecryptResponse(responseCryptogram)
			if nil != err {
				t.Fatalf("Failed response decryption, got error %v", err)
			}
			if !bytes.Equal(response, decryptedResponse) {
				t.Error("Failed response round trip")
			}
		})
	}
}

func TestTamperDetection(t *testing.T) {
	staticKey, err := crypto.GenerateKeyPair()
	if nil != err {
		t.Fatalf("Failed key generation, got error %v", err)
	}
	sharedInfo2 := SharedInfo2ForApplication([]byte("app-secret"))

	encryptor, err := NewEncryptor(staticKey.PublicKey(), ActivationLayer2, sharedInfo2, true)
	if nil != err {
		t.Fatalf("Failed encryptor creation, got error %v", err)
	}
	cryptogram, err := encryptor.EncryptRequest([]byte("attack at dawn"))
	if nil != err {
		t.Fatalf("Failed request encryption, got error %v", err)
	}

	// tampering any byte of mac or encrypted data must fail decryption
	for pos := range cryptogram.Mac {
		tampered := cryptogram
		tampered.Mac = append([]byte{}, cryptogram.Mac...)
		tampered.Mac[pos] ^= 0x01
		_, err := NewDecryptor(staticKey, ActivationLayer2, sharedInfo2).DecryptRequest(tampered)
		if !errors.Is(err, ErrDecryption) {
			t.Fatalf("Failed mac tamper detection at byte %d", pos)
		}
	}
	for pos := range cryptogram.EncryptedData {
		tampered := cryptogram
		tampered.EncryptedData = append([]byte{}, cryptogram.EncryptedData...)
		tampered.EncryptedData[pos] ^= 0x01
		_, err := NewDecryptor(staticKey, ActivationLayer2, sharedInfo2).DecryptRequest(tampered)
		if !errors.Is(err, ErrDecryption) {
			t.Fatalf("Failed data tamper detection at byte %d", pos)
		}
	}
}

func TestSharedInfoSeparation(t *testing.T) {
	staticKey, err := crypto.GenerateKeyPair()
	if nil != err {
		t.Fatalf("Failed key generation, got error %v", err)
	}
	sharedInfo2 := SharedInfo2ForApplication([]byte("app-secret"))

	encryptor, err := NewEncryptor(staticKey.PublicKey(), ActivationLayer2, sharedInfo2, false)
	if nil != err {
		t.Fatalf("Failed encryptor creation, got error %v", err)
	}
	cryptogram, err := encryptor.EncryptRequest([]byte("scoped payload"))
	if nil != err {
		t.Fatalf("Failed request encryption, got error %v", err)
	}

	// wrong scope derives a different envelope key
	_, err = NewDecryptor(staticKey, CreateToken, sharedInfo2).DecryptRequest(cryptogram)
	if !errors.Is(err, ErrDecryption) {
		t.Error("Failed scope separation control")
	}

	// wrong sharedInfo2 fails the mac
	otherInfo2 := SharedInfo2ForApplication([]byte("other-secret"))
	_, err = NewDecryptor(staticKey, ActivationLayer2, otherInfo2).DecryptRequest(cryptogram)
	if !errors.Is(err, ErrDecryption) {
		t.Error("Failed sharedInfo2 separation control")
	}
}

func TestMediatorDecryption(t *testing.T) {
	staticKey, err := crypto.GenerateKeyPair()
	if nil != err {
		t.Fatalf("Failed key generation, got error %v", err)
	}
	sharedInfo2 := SharedInfo2ForApplication([]byte("app-secret"))

	encryptor, err := NewEncryptor(staticKey.PublicKey(), ApplicationScopeGeneric, sharedInfo2, true)
	if nil != err {
		t.Fatalf("Failed encryptor creation, got error %v", err)
	}
	plaintext := []byte(`{"mediated":true}`)
	cryptogram, err := encryptor.EncryptRequest(plaintext)
	if nil != err {
		t.Fatalf("Failed request encryption, got error %v", err)
	}

	// the key holder exports the envelope key bound to the ephemeral key
	envelopeKey, err := DeriveEnvelopeKey(staticKey, cryptogram.EphemeralPublicKey, ApplicationScopeGeneric)
	if nil != err {
		t.Fatalf("Failed envelope key derivation, got error %v", err)
	}

	// an independent party decrypts with derived material only
	imported, err := EnvelopeKeyFromBytes(envelopeKey.SecretKey())
	if nil != err {
		t.Fatalf("Failed envelope key import, got error %v", err)
	}
	mediator := NewDecryptorWithEnvelopeKey(imported, sharedInfo2)
	decrypted, err := mediator.DecryptRequest(cryptogram)
	if nil != err {
		t.Fatalf("Failed mediated decryption, got error %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Error("Failed mediated round trip")
	}
}
