package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/ecies"
)

// tokenEncryptor builds the activation scope encryptor for the create-token
// exchange.
func tokenEncryptor(t *testing.T, env *testEnv, device *simulatedDevice) *ecies.Encryptor {
	t.Helper()
	sharedInfo2 := ecies.SharedInfo2ForActivation([]byte(env.version.ApplicationSecret), device.transportKey(t))
	encryptor, err := ecies.NewEncryptor(device.serverPublicKey, ecies.CreateToken, sharedInfo2, true)
	if nil != err {
		t.Fatalf("Failed encryptor creation, got error %v", err)
	}
	return encryptor
}

func TestTokenLifecycle(t *testing.T) {
	env := newTestEnv(t)
	device := pairActivation(t, env, "alice")
	err := env.svc.CommitActivation(context.Background(), device.activationId, "")
	if nil != err {
		t.Fatalf("Failed commit, got error %v", err)
	}

	encryptor := tokenEncryptor(t, env, device)
	cryptogram, err := encryptor.EncryptRequest([]byte("{}"))
	if nil != err {
		t.Fatalf("Failed request encryption, got error %v", err)
	}

	responseCryptogram, err := env.svc.CreateToken(context.Background(), CreateTokenRequest{
		ActivationID:   device.activationId,
		ApplicationKey: env.version.ApplicationKey,
		SignatureType:  crypto.SignaturePossession,
		Cryptogram:     cryptogram,
	})
	if nil != err {
		t.Fatalf("Failed token creation, got error %v", err)
	}
	plaintext, err := encryptor.DecryptResponse(responseCryptogram)
	if nil != err {
		t.Fatalf("Failed response decryption, got error %v", err)
	}
	var token TokenInfo
	err = json.Unmarshal(plaintext, &token)
	if nil != err {
		t.Fatalf("Failed token parsing, got error %v", err)
	}
	if "" == token.TokenID || 16 != len(token.TokenSecret) {
		t.Fatalf("Failed token material control, %q/%d", token.TokenID, len(token.TokenSecret))
	}

	// a correct digest validates and resolves the identity
	nonce := []byte("nonce-0123456789")
	ts := time.Now().UnixMilli()
	digest := crypto.ComputeTokenDigest(token.TokenSecret, nonce, ts)
	validateResp, err := env.svc.ValidateToken(context.Background(), ValidateTokenRequest{
		TokenID:         token.TokenID,
		Nonce:           nonce,
		TimestampMillis: ts,
		Digest:          digest,
	})
	if nil != err {
		t.Fatalf("Failed validation, got error %v", err)
	}
	if !validateResp.Valid {
		t.Fatal("Failed digest validation")
	}
	if validateResp.ActivationID != device.activationId || validateResp.UserID != "alice" {
		t.Error("Failed identity control")
	}
	if crypto.SignaturePossession != validateResp.SignatureType {
		t.Errorf("Failed signature type control, %s", validateResp.SignatureType)
	}

	// a flipped digest bit must not validate
	tampered := append([]byte{}, digest...)
	tampered[5] ^= 0x20
	validateResp, err = env.svc.ValidateToken(context.Background(), ValidateTokenRequest{
		TokenID:         token.TokenID,
		Nonce:           nonce,
		TimestampMillis: ts,
		Digest:          tampered,
	})
	if nil != err {
		t.Fatalf("Failed validation, got error %v", err)
	}
	if validateResp.Valid {
		t.Error("Failed tampered digest control")
	}

	// removal is scoped to the owning activation
	removed, err := env.svc.RemoveToken(context.Background(), token.TokenID, "other-activation")
	if nil != err {
		t.Fatalf("Failed removal, got error %v", err)
	}
	if removed {
		t.Error("Failed ownership control")
	}
	removed, err = env.svc.RemoveToken(context.Background(), token.TokenID, device.activationId)
	if nil != err {
		t.Fatalf("Failed removal, got error %v", err)
	}
	if !removed {
		t.Error("Failed removal control")
	}

	// a removed token validates to false without error
	validateResp, err = env.svc.ValidateToken(context.Background(), ValidateTokenRequest{
		TokenID:         token.TokenID,
		Nonce:           nonce,
		TimestampMillis: ts,
		Digest:          digest,
	})
	if nil != err {
		t.Fatalf("Failed validation, got error %v", err)
	}
	if validateResp.Valid {
		t.Error("Failed removed token control")
	}

	// second removal is idempotent
	removed, err = env.svc.RemoveToken(context.Background(), token.TokenID, device.activationId)
	if nil != err || removed {
		t.Errorf("Failed idempotency control, %v/%v", removed, err)
	}
}

func TestCreateTokenRequiresActiveActivation(t *testing.T) {
	env := newTestEnv(t)
	device := pairActivation(t, env, "alice")

	// OTP_USED is not enough
	encryptor := tokenEncryptor(t, env, device)
	cryptogram, err := encryptor.EncryptRequest([]byte("{}"))
	if nil != err {
		t.Fatalf("Failed request encryption, got error %v", err)
	}
	_, err = env.svc.CreateToken(context.Background(), CreateTokenRequest{
		ActivationID:   device.activationId,
		ApplicationKey: env.version.ApplicationKey,
		SignatureType:  crypto.SignaturePossession,
		Cryptogram:     cryptogram,
	})
	if !errors.Is(err, ErrActivationIncorrectState) {
		t.Errorf("Failed state control, got %v", err)
	}
}
