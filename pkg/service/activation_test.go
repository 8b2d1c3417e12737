package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/store"
)

func TestHappyPathActivation(t *testing.T) {
	env := newTestEnv(t)

	initResp, err := env.svc.InitActivation(context.Background(), InitActivationRequest{
		ApplicationID: env.app.Application.ID,
		UserID:        "alice",
	})
	if nil != err {
		t.Fatalf("Failed init, got error %v", err)
	}
	if !crypto.ValidateActivationCode(initResp.ActivationCode) {
		t.Errorf("Failed activation code control, %q", initResp.ActivationCode)
	}

	// the activation code signature verifies against the master public key
	masterPub := env.masterPublicKey(t)
	if !crypto.VerifyECDSA(masterPub, []byte(initResp.ActivationCode), initResp.ActivationSignature) {
		t.Error("Failed activation signature control")
	}

	created := env.loadActivation(t, initResp.ActivationID)
	if store.ActivationCreated != created.Status {
		t.Fatalf("Failed state control, %s", created.Status)
	}
	if len(created.DevicePublicKey) > 0 || len(created.CtrData) > 0 {
		t.Error("Failed CREATED invariant, device key or counter already set")
	}

	device, cryptogram := newSimulatedDevice(t, env, "alice's phone")
	prepareResp, err := env.svc.PrepareActivation(context.Background(), PrepareActivationRequest{
		ActivationCode: initResp.ActivationCode,
		ApplicationKey: env.version.ApplicationKey,
		Cryptogram:     cryptogram,
	})
	if nil != err {
		t.Fatalf("Failed prepare, got error %v", err)
	}
	device.absorbLayer2Response(t, prepareResp.Cryptogram)

	paired := env.loadActivation(t, initResp.ActivationID)
	if store.ActivationOtpUsed != paired.Status {
		t.Fatalf("Failed state control, %s", paired.Status)
	}
	if 0 == len(paired.DevicePublicKey) || 0 == len(paired.CtrData) {
		t.Error("Failed OTP_USED invariant, missing device key or counter")
	}
	if 3 != paired.Version {
		t.Errorf("Failed version control, %d", paired.Version)
	}
	if !bytes.Equal(device.ctrData, paired.CtrData) {
		t.Error("Failed counter agreement control")
	}

	err = env.svc.CommitActivation(context.Background(), initResp.ActivationID, "")
	if nil != err {
		t.Fatalf("Failed commit, got error %v", err)
	}
	active := env.loadActivation(t, initResp.ActivationID)
	if store.ActivationActive != active.Status {
		t.Fatalf("Failed state control, %s", active.Status)
	}

	// a second commit must fail
	err = env.svc.CommitActivation(context.Background(), initResp.ActivationID, "")
	if !errors.Is(err, ErrActivationIncorrectState) {
		t.Errorf("Failed second commit control, got %v", err)
	}

	// status blob decrypts with the device transport key
	statusResp, err := env.svc.GetActivationStatus(context.Background(), GetActivationStatusRequest{
		ActivationID: initResp.ActivationID,
	})
	if nil != err {
		t.Fatalf("Failed status, got error %v", err)
	}
	transportKey := device.transportKey(t)
	blob, err := crypto.DecryptCBC(transportKey, make([]byte, 16), statusResp.EncryptedStatusBlob)
	if nil != err {
		t.Fatalf("Failed blob decryption, got error %v", err)
	}
	if len(blob) != 23 {
		t.Fatalf("Failed blob length control, %d != 23", len(blob))
	}
	if byte(store.ActivationActive) != blob[0] {
		t.Errorf("Failed blob status control, %d", blob[0])
	}
	if 3 != blob[1] || 3 != blob[2] {
		t.Errorf("Failed blob version control, %d/%d", blob[1], blob[2])
	}
	if 0 != blob[3] {
		t.Errorf("Failed blob failed-attempts control, %d", blob[3])
	}
	expectHash := crypto.CtrDataHash(transportKey, device.ctrData)
	if !bytes.Equal(expectHash, blob[7:23]) {
		t.Error("Failed blob counter hash control")
	}

	// fingerprint binds device key, server key and activation id
	expectFp := crypto.ComputeFingerprintV3(device.keyPair.PublicKey(), device.serverPublicKey, initResp.ActivationID)
	if statusResp.DeviceFingerprint != expectFp {
		t.Errorf("Failed fingerprint control, %q != %q", statusResp.DeviceFingerprint, expectFp)
	}

	// history recorded each transition
	history, err := env.svc.GetActivationHistory(context.Background(), initResp.ActivationID, time.Time{}, time.Time{})
	if nil != err {
		t.Fatalf("Failed history, got error %v", err)
	}
	if len(history) != 3 {
		t.Errorf("Failed history control, %d != 3 entries", len(history))
	}
}

func TestExpiredPrepare(t *testing.T) {
	env := newTestEnv(t)

	initResp, err := env.svc.InitActivation(context.Background(), InitActivationRequest{
		ApplicationID: env.app.Application.ID,
		UserID:        "alice",
		ExpiresAt:     time.Now().Add(-time.Second),
	})
	if nil != err {
		t.Fatalf("Failed init, got error %v", err)
	}

	_, cryptogram := newSimulatedDevice(t, env, "late device")
	_, err = env.svc.PrepareActivation(context.Background(), PrepareActivationRequest{
		ActivationCode: initResp.ActivationCode,
		ApplicationKey: env.version.ApplicationKey,
		Cryptogram:     cryptogram,
	})
	if !errors.Is(err, ErrActivationExpired) {
		t.Fatalf("Failed expiry control, got %v", err)
	}

	statusResp, err := env.svc.GetActivationStatus(context.Background(), GetActivationStatusRequest{
		ActivationID: initResp.ActivationID,
	})
	if nil != err {
		t.Fatalf("Failed status, got error %v", err)
	}
	if store.ActivationRemoved != statusResp.Status {
		t.Errorf("Failed state control, %s", statusResp.Status)
	}
}

func TestCommitExpiredActivation(t *testing.T) {
	env := newTestEnv(t)

	initResp, err := env.svc.InitActivation(context.Background(), InitActivationRequest{
		ApplicationID: env.app.Application.ID,
		UserID:        "alice",
		ExpiresAt:     time.Now().Add(-time.Second),
	})
	if nil != err {
		t.Fatalf("Failed init, got error %v", err)
	}
	err = env.svc.CommitActivation(context.Background(), initResp.ActivationID, "")
	if !errors.Is(err, ErrActivationExpired) {
		t.Errorf("Failed expiry control, got %v", err)
	}
}

func TestBlockUnblock(t *testing.T) {
	env := newTestEnv(t)
	device := pairActivation(t, env, "alice")
	err := env.svc.CommitActivation(context.Background(), device.activationId, "")
	if nil != err {
		t.Fatalf("Failed commit, got error %v", err)
	}

	status, reason, err := env.svc.BlockActivation(context.Background(), device.activationId, "LOST", "")
	if nil != err {
		t.Fatalf("Failed block, got error %v", err)
	}
	if store.ActivationBlocked != status || "LOST" != reason {
		t.Errorf("Failed block control, %s/%q", status, reason)
	}

	// blocking again is a no-op
	status, reason, err = env.svc.BlockActivation(context.Background(), device.activationId, "STOLEN", "")
	if nil != err {
		t.Fatalf("Failed repeated block, got error %v", err)
	}
	if store.ActivationBlocked != status || "LOST" != reason {
		t.Errorf("Failed idempotency control, %s/%q", status, reason)
	}

	status, err = env.svc.UnblockActivation(context.Background(), device.activationId, "")
	if nil != err {
		t.Fatalf("Failed unblock, got error %v", err)
	}
	if store.ActivationActive != status {
		t.Errorf("Failed unblock control, %s", status)
	}
	unblocked := env.loadActivation(t, device.activationId)
	if 0 != unblocked.FailedAttempts || "" != unblocked.BlockedReason {
		t.Error("Failed unblock reset control")
	}

	// unblocking an active activation is a no-op
	status, err = env.svc.UnblockActivation(context.Background(), device.activationId, "")
	if nil != err || store.ActivationActive != status {
		t.Errorf("Failed idempotency control, %s/%v", status, err)
	}

	// a removed activation can not be unblocked
	err = env.svc.RemoveActivation(context.Background(), device.activationId, "")
	if nil != err {
		t.Fatalf("Failed remove, got error %v", err)
	}
	_, err = env.svc.UnblockActivation(context.Background(), device.activationId, "")
	if !errors.Is(err, ErrActivationIncorrectState) {
		t.Errorf("Failed removed unblock control, got %v", err)
	}
}

// No sequence of public operations brings a REMOVED activation back.
func TestRemovedIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	device := pairActivation(t, env, "alice")
	err := env.svc.RemoveActivation(context.Background(), device.activationId, "")
	if nil != err {
		t.Fatalf("Failed remove, got error %v", err)
	}

	err = env.svc.CommitActivation(context.Background(), device.activationId, "")
	if nil == err {
		t.Error("Failed terminal control, commit succeeded")
	}
	_, _, err = env.svc.BlockActivation(context.Background(), device.activationId, "", "")
	if nil == err {
		t.Error("Failed terminal control, block succeeded")
	}
	_, err = env.svc.UnblockActivation(context.Background(), device.activationId, "")
	if nil == err {
		t.Error("Failed terminal control, unblock succeeded")
	}
	if store.ActivationRemoved != env.loadActivation(t, device.activationId).Status {
		t.Error("Failed terminal control, state changed")
	}
}

func TestGetStatusUnknownActivation(t *testing.T) {
	env := newTestEnv(t)

	statusResp, err := env.svc.GetActivationStatus(context.Background(), GetActivationStatusRequest{
		ActivationID: "no-such-activation",
		Challenge:    []byte("0123456789abcdef"),
	})
	if nil != err {
		t.Fatalf("Failed status, got error %v", err)
	}
	if store.ActivationRemoved != statusResp.Status {
		t.Errorf("Failed synthetic state control, %s", statusResp.Status)
	}
	if len(statusResp.EncryptedStatusBlob) != 32 {
		t.Errorf("Failed synthetic blob control, %d bytes", len(statusResp.EncryptedStatusBlob))
	}
	if len(statusResp.StatusBlobNonce) != 16 {
		t.Errorf("Failed synthetic nonce control, %d bytes", len(statusResp.StatusBlobNonce))
	}
}

func TestGetStatusCreatedCarriesCode(t *testing.T) {
	env := newTestEnv(t)

	initResp, err := env.svc.InitActivation(context.Background(), InitActivationRequest{
		ApplicationID: env.app.Application.ID,
		UserID:        "alice",
	})
	if nil != err {
		t.Fatalf("Failed init, got error %v", err)
	}

	statusResp, err := env.svc.GetActivationStatus(context.Background(), GetActivationStatusRequest{
		ActivationID: initResp.ActivationID,
	})
	if nil != err {
		t.Fatalf("Failed status, got error %v", err)
	}
	if statusResp.ActivationCode != initResp.ActivationCode {
		t.Error("Failed activation code control")
	}
	if !crypto.VerifyECDSA(env.masterPublicKey(t), []byte(statusResp.ActivationCode), statusResp.ActivationSignature) {
		t.Error("Failed activation signature control")
	}
}

func TestActivationListLazyExpiry(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.InitActivation(context.Background(), InitActivationRequest{
		ApplicationID: env.app.Application.ID,
		UserID:        "alice",
		ExpiresAt:     time.Now().Add(-time.Second),
	})
	if nil != err {
		t.Fatalf("Failed init, got error %v", err)
	}

	items, err := env.svc.GetActivationList(context.Background(), env.app.Application.ID, "alice")
	if nil != err {
		t.Fatalf("Failed listing, got error %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Failed listing control, %d != 1", len(items))
	}
	if store.ActivationRemoved != items[0].Status {
		t.Errorf("Failed lazy expiry control, %s", items[0].Status)
	}
}
