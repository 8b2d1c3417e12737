package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/ecies"
	"code.activault.org/server/pkg/store"
)

// RecoveryActivationRequest re-activates a user on a new device using a
// recovery code and its current PUK.
type RecoveryActivationRequest struct {
	RecoveryCode    string
	Puk             string
	ApplicationKey  string
	MaxFailureCount uint64
	Cryptogram      ecies.Cryptogram
}

// RecoveryActivationResponse carries the encrypted layer-2 response of the
// recovery activation.
type RecoveryActivationResponse struct {
	ActivationID string           `json:"activationId"`
	UserID       string           `json:"userId"`
	Cryptogram   ecies.Cryptogram `json:"cryptogram"`
}

// SetRecoveryConfig toggles activation recovery for an application.
func (self *Service) SetRecoveryConfig(ctx context.Context, applicationId int64, enabled bool) error {
	return self.store.InTx(ctx, func(tx store.Tx) error {
		err := tx.SaveRecoveryConfig(&store.RecoveryConfig{
			ApplicationID:             applicationId,
			ActivationRecoveryEnabled: enabled,
		})
		return failCause(err, ErrUnknown, "failed saving recovery config") // nil if err is nil
	})
}

// CreateActivationUsingRecoveryCode verifies a recovery PUK and, on success,
// removes the activation the code was bound to and pairs a replacement
// activation for the same user. A fresh recovery code and PUK are issued for
// the new activation.
func (self *Service) CreateActivationUsingRecoveryCode(ctx context.Context, req RecoveryActivationRequest) (RecoveryActivationResponse, error) {
	var rv RecoveryActivationResponse
	var post pending
	var pukErr error
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		version, err := self.loadSupportedVersion(tx, req.ApplicationKey, ErrInvalidRequest)
		if nil != err {
			return err
		}

		var cfg store.RecoveryConfig
		err = tx.LoadRecoveryConfig(version.ApplicationID, &cfg)
		if nil != err || !cfg.ActivationRecoveryEnabled {
			return fail(ErrInvalidRequest, "activation recovery is disabled")
		}

		decryptor, err := self.applicationLayer2Decryptor(tx, version)
		if nil != err {
			return err
		}
		layer2, err := decryptLayer2Request(decryptor, req.Cryptogram)
		if nil != err {
			return err
		}

		var code store.RecoveryCode
		err = tx.LoadRecoveryCodeForUpdate(version.ApplicationID, req.RecoveryCode, &code)
		if nil != err {
			return failCause(err, ErrInvalidRequest, "unknown recovery code")
		}
		if store.RecoveryCodeActive != code.Status {
			return fail(ErrInvalidRequest, "recovery code is not usable")
		}

		usedPuk, err := self.verifyRecoveryPuk(tx, &code, req.Puk)
		if nil != err {
			if errors.Is(err, ErrInvalidRecoveryCode) {
				// commit the throttling state saved by verifyRecoveryPuk
				pukErr = err
				return nil
			}
			return err
		}

		// PUK was valid: reset throttling, spend the PUK
		now := time.Now()
		code.FailedAttempts = 0
		usedPuk.Status = store.RecoveryPukUsed
		usedPuk.LastChangedAt = now

		// a code bound to an existing activation replaces that activation
		if "" != code.ActivationID {
			err = self.removeActivationTx(tx, &post, code.ActivationID, "")
			if nil != err {
				return err
			}
			if nil == code.FirstValidPuk() {
				code.Status = store.RecoveryCodeRevoked
				code.LastChangedAt = now
			}
		}
		err = tx.SaveRecoveryCode(&code)
		if nil != err {
			return failCause(err, ErrUnknown, "failed saving recovery code")
		}

		// pair the replacement activation; it stays OTP_USED until committed
		created, _, err := self.initActivationTx(tx, &post, InitActivationRequest{
			ApplicationID:   version.ApplicationID,
			UserID:          code.UserID,
			MaxFailureCount: req.MaxFailureCount,
		})
		if nil != err {
			return err
		}
		var activation store.Activation
		err = tx.LoadActivationForUpdate(created.ActivationID, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "failed activation reload")
		}
		err = self.validateCreatedActivation(&activation, version.ApplicationID)
		if nil != err {
			return err
		}
		recovery, err := self.completePairing(tx, &post, &activation, layer2)
		if nil != err {
			return err
		}

		cryptogram, err := encryptLayer2Response(decryptor, &activation, recovery)
		if nil != err {
			return err
		}
		rv = RecoveryActivationResponse{
			ActivationID: activation.ActivationID,
			UserID:       activation.UserID,
			Cryptogram:   cryptogram,
		}
		return nil
	})
	if nil != err {
		return RecoveryActivationResponse{}, err
	}
	if nil != pukErr {
		return RecoveryActivationResponse{}, pukErr
	}
	post.deliver(ctx)
	return rv, nil
}

// verifyRecoveryPuk checks candidate against the lowest index VALID PUK of
// code. On mismatch it applies the throttling rules and persists the code;
// the returned error carries the current PUK index while one stays VALID.
func (self *Service) verifyRecoveryPuk(tx store.Tx, code *store.RecoveryCode, candidate string) (*store.RecoveryPuk, error) {
	now := time.Now()
	currentPuk := code.FirstValidPuk()

	var valid bool
	if nil != currentPuk {
		hash, err := self.codec.Decrypt(
			currentPuk.PukEncryption,
			currentPuk.PukHash,
			strconv.FormatInt(code.ApplicationID, 10),
			code.UserID,
			code.RecoveryCode,
			strconv.FormatUint(currentPuk.PukIndex, 10),
		)
		if nil != err {
			return nil, failCause(err, ErrGenericCryptography, "failed PUK hash decryption")
		}
		valid, err = crypto.VerifyPassword([]byte(candidate), string(hash))
		if nil != err {
			return nil, failCause(err, ErrGenericCryptography, "failed PUK verification")
		}
	}

	if valid {
		return currentPuk, nil
	}

	code.FailedAttempts++
	code.LastChangedAt = now
	pukStillValid := nil != currentPuk
	if code.FailedAttempts >= code.MaxFailedAttempts && nil != currentPuk {
		code.Status = store.RecoveryCodeBlocked
		currentPuk.Status = store.RecoveryPukInvalid
		currentPuk.LastChangedAt = now
		pukStillValid = false
	}
	err := tx.SaveRecoveryCode(code)
	if nil != err {
		return nil, failCause(err, ErrUnknown, "failed saving recovery code")
	}
	if pukStillValid {
		return nil, failCause(RecoveryError{CurrentPukIndex: currentPuk.PukIndex}, ErrInvalidRecoveryCode, "invalid recovery PUK")
	}
	return nil, fail(ErrInvalidRecoveryCode, "invalid recovery PUK")
}

// createRecoveryCodeForActivation issues one recovery code with a single
// PUK (index 1) for a freshly paired activation. The caller has verified
// the application; the activation must be OTP_USED or ACTIVE.
func (self *Service) createRecoveryCodeForActivation(tx store.Tx, activation *store.Activation) (*ActivationRecovery, error) {
	if store.ActivationOtpUsed != activation.Status && store.ActivationActive != activation.Status {
		return nil, fail(ErrActivationIncorrectState, "activation state does not allow recovery issuance")
	}

	// a live recovery code for this activation must be revoked first
	existing, err := tx.ListRecoveryCodesByActivation(activation.ApplicationID, activation.ActivationID)
	if nil != err {
		return nil, failCause(err, ErrUnknown, "failed recovery code listing")
	}
	for i := range existing {
		if store.RecoveryCodeCreated == existing[i].Status || store.RecoveryCodeActive == existing[i].Status {
			return nil, fail(ErrRecoveryCodeAlreadyExists, "activation already has a live recovery code")
		}
	}

	// rejection sampling of the recovery code, scoped to the application
	var recoveryCode, puk string
	for i := 0; i < self.cfg.RecoveryCodeIterations; i++ {
		candidateCode, candidatePuk, err := crypto.GenerateRecoveryCode()
		if nil != err {
			return nil, failCause(err, ErrGenericCryptography, "failed recovery code generation")
		}
		exists, err := tx.RecoveryCodeExists(activation.ApplicationID, candidateCode)
		if nil != err {
			return nil, failCause(err, ErrUnknown, "failed recovery code uniqueness check")
		}
		if !exists {
			recoveryCode, puk = candidateCode, candidatePuk
			break
		}
	}
	if "" == recoveryCode {
		return nil, fail(ErrUnableToGenerateRecoveryCode, "exhausted recovery code generation attempts")
	}

	pukHash, err := crypto.HashPassword([]byte(puk))
	if nil != err {
		return nil, failCause(err, ErrGenericCryptography, "failed PUK hashing")
	}
	mode, encryptedHash, err := self.codec.Encrypt(
		[]byte(pukHash),
		strconv.FormatInt(activation.ApplicationID, 10),
		activation.UserID,
		recoveryCode,
		"1",
	)
	if nil != err {
		return nil, failCause(err, ErrGenericCryptography, "failed PUK hash encryption")
	}

	now := time.Now()
	code := store.RecoveryCode{
		ApplicationID:     activation.ApplicationID,
		UserID:            activation.UserID,
		ActivationID:      activation.ActivationID,
		RecoveryCode:      recoveryCode,
		Status:            store.RecoveryCodeCreated,
		FailedAttempts:    0,
		MaxFailedAttempts: self.cfg.RecoveryMaxFailedAttempts,
		CreatedAt:         now,
		Puks: []store.RecoveryPuk{{
			PukIndex:      1,
			PukHash:       encryptedHash,
			PukEncryption: mode,
			Status:        store.RecoveryPukValid,
		}},
	}
	err = tx.SaveRecoveryCode(&code)
	if nil != err {
		return nil, failCause(err, ErrUnknown, "failed saving recovery code")
	}

	return &ActivationRecovery{RecoveryCode: recoveryCode, Puk: puk}, nil
}
