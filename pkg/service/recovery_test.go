package service

import (
	"context"
	"errors"
	"testing"

	"code.activault.org/server/pkg/store"
)

func TestRecoveryActivation(t *testing.T) {
	env := newTestEnv(t)
	env.enableRecovery(t)

	// pairing with recovery enabled issues (R, P1)
	device := pairActivation(t, env, "alice")
	err := env.svc.CommitActivation(context.Background(), device.activationId, "")
	if nil != err {
		t.Fatalf("Failed commit, got error %v", err)
	}
	if nil == device.recovery {
		t.Fatal("Failed recovery issuance control, no recovery credentials")
	}

	// re-activate on a new device with (R, P1)
	newDevice, cryptogram := newSimulatedDevice(t, env, "alice's new phone")
	recoveryResp, err := env.svc.CreateActivationUsingRecoveryCode(context.Background(), RecoveryActivationRequest{
		RecoveryCode:   device.recovery.RecoveryCode,
		Puk:            device.recovery.Puk,
		ApplicationKey: env.version.ApplicationKey,
		Cryptogram:     cryptogram,
	})
	if nil != err {
		t.Fatalf("Failed recovery activation, got error %v", err)
	}
	newDevice.absorbLayer2Response(t, recoveryResp.Cryptogram)
	if recoveryResp.UserID != "alice" {
		t.Errorf("Failed user binding control, %q", recoveryResp.UserID)
	}
	if nil == newDevice.recovery {
		t.Fatal("Failed rotation control, no fresh recovery credentials")
	}
	if newDevice.recovery.RecoveryCode == device.recovery.RecoveryCode {
		t.Error("Failed rotation control, recovery code reused")
	}

	// the original activation is gone, the replacement is paired
	if store.ActivationRemoved != env.loadActivation(t, device.activationId).Status {
		t.Error("Failed original removal control")
	}
	if store.ActivationOtpUsed != env.loadActivation(t, newDevice.activationId).Status {
		t.Error("Failed replacement state control")
	}

	// commit the replacement so its recovery code becomes usable
	err = env.svc.CommitActivation(context.Background(), newDevice.activationId, "")
	if nil != err {
		t.Fatalf("Failed commit, got error %v", err)
	}

	// the spent P1 no longer works against the fresh code
	_, cryptogram2 := newSimulatedDevice(t, env, "mallory's phone")
	_, err = env.svc.CreateActivationUsingRecoveryCode(context.Background(), RecoveryActivationRequest{
		RecoveryCode:   newDevice.recovery.RecoveryCode,
		Puk:            device.recovery.Puk,
		ApplicationKey: env.version.ApplicationKey,
		Cryptogram:     cryptogram2,
	})
	if !errors.Is(err, ErrInvalidRecoveryCode) {
		t.Fatalf("Failed spent PUK control, got %v", err)
	}
	var recoveryErr RecoveryError
	if !errors.As(err, &recoveryErr) {
		t.Fatal("Failed error payload control, no RecoveryError")
	}
	if 1 != recoveryErr.CurrentPukIndex {
		t.Errorf("Failed puk index control, %d != 1", recoveryErr.CurrentPukIndex)
	}
}

func TestRecoveryThrottling(t *testing.T) {
	env := newTestEnv(t)
	env.enableRecovery(t)

	device := pairActivation(t, env, "alice")
	err := env.svc.CommitActivation(context.Background(), device.activationId, "")
	if nil != err {
		t.Fatalf("Failed commit, got error %v", err)
	}

	wrongPuk := "0000"
	if device.recovery.Puk == wrongPuk {
		wrongPuk = "0001"
	}

	maxAttempts := int(DefaultConfig().RecoveryMaxFailedAttempts)
	loadCode := func() store.RecoveryCode {
		var code store.RecoveryCode
		err := env.store.InTx(context.Background(), func(tx store.Tx) error {
			return tx.LoadRecoveryCodeForUpdate(env.app.Application.ID, device.recovery.RecoveryCode, &code)
		})
		if nil != err {
			t.Fatalf("Failed recovery code loading, got error %v", err)
		}
		return code
	}

	// max-1 wrong guesses leave the code ACTIVE
	for i := 0; i < maxAttempts-1; i++ {
		_, cryptogram := newSimulatedDevice(t, env, "guessing device")
		_, err = env.svc.CreateActivationUsingRecoveryCode(context.Background(), RecoveryActivationRequest{
			RecoveryCode:   device.recovery.RecoveryCode,
			Puk:            wrongPuk,
			ApplicationKey: env.version.ApplicationKey,
			Cryptogram:     cryptogram,
		})
		if !errors.Is(err, ErrInvalidRecoveryCode) {
			t.Fatalf("Failed wrong PUK control at attempt %d, got %v", i+1, err)
		}
		var recoveryErr RecoveryError
		if !errors.As(err, &recoveryErr) || 1 != recoveryErr.CurrentPukIndex {
			t.Fatalf("Failed puk index control at attempt %d", i+1)
		}
	}
	if store.RecoveryCodeActive != loadCode().Status {
		t.Fatal("Failed throttle control, code left ACTIVE state early")
	}

	// the final wrong guess blocks the code and invalidates the PUK
	_, cryptogram := newSimulatedDevice(t, env, "guessing device")
	_, err = env.svc.CreateActivationUsingRecoveryCode(context.Background(), RecoveryActivationRequest{
		RecoveryCode:   device.recovery.RecoveryCode,
		Puk:            wrongPuk,
		ApplicationKey: env.version.ApplicationKey,
		Cryptogram:     cryptogram,
	})
	if !errors.Is(err, ErrInvalidRecoveryCode) {
		t.Fatalf("Failed blocking attempt control, got %v", err)
	}
	var recoveryErr RecoveryError
	if errors.As(err, &recoveryErr) {
		t.Error("Failed error payload control, index leaked after blocking")
	}
	blocked := loadCode()
	if store.RecoveryCodeBlocked != blocked.Status {
		t.Errorf("Failed blocking control, %d", blocked.Status)
	}
	if store.RecoveryPukInvalid != blocked.Puks[0].Status {
		t.Errorf("Failed puk invalidation control, %d", blocked.Puks[0].Status)
	}

	// even the right PUK is refused now
	_, cryptogram = newSimulatedDevice(t, env, "late device")
	_, err = env.svc.CreateActivationUsingRecoveryCode(context.Background(), RecoveryActivationRequest{
		RecoveryCode:   device.recovery.RecoveryCode,
		Puk:            device.recovery.Puk,
		ApplicationKey: env.version.ApplicationKey,
		Cryptogram:     cryptogram,
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Failed blocked code control, got %v", err)
	}
}

func TestRecoveryDisabled(t *testing.T) {
	env := newTestEnv(t)

	// without recovery config the pairing issues no credentials
	device := pairActivation(t, env, "alice")
	if nil != device.recovery {
		t.Error("Failed disabled recovery control, credentials issued")
	}

	_, cryptogram := newSimulatedDevice(t, env, "recovering device")
	_, err := env.svc.CreateActivationUsingRecoveryCode(context.Background(), RecoveryActivationRequest{
		RecoveryCode:   "EEEEE-FFFFF-GGGGG-HHHHH",
		Puk:            "1234",
		ApplicationKey: env.version.ApplicationKey,
		Cryptogram:     cryptogram,
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Failed disabled recovery control, got %v", err)
	}
}
