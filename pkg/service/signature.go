package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/ecies"
	"code.activault.org/server/pkg/store"
)

// VerifySignatureRequest carries an online signature to validate.
type VerifySignatureRequest struct {
	ActivationID   string
	ApplicationKey string
	SignatureType  crypto.SignatureType
	Signature      string
	Data           []byte
}

// VerifySignatureResponse reports the verification outcome together with the
// activation state observed by the owner.
type VerifySignatureResponse struct {
	Valid             bool                   `json:"signatureValid"`
	Status            store.ActivationStatus `json:"activationStatus"`
	BlockedReason     string                 `json:"blockedReason,omitempty"`
	ActivationID      string                 `json:"activationId"`
	UserID            string                 `json:"userId"`
	ApplicationID     int64                  `json:"applicationId"`
	SignatureType     crypto.SignatureType   `json:"signatureType"`
	RemainingAttempts uint64                 `json:"remainingAttempts"`
}

// VerifySignature validates an online signature computed by the device over
// data with its current counter state. A look-ahead window absorbs counter
// drift; on success the server counter advances past the matched position.
// Each failure increments the failed attempt counter and blocks the
// activation at the threshold. Every attempt is recorded in the audit log.
func (self *Service) VerifySignature(ctx context.Context, req VerifySignatureRequest) (VerifySignatureResponse, error) {
	var rv VerifySignatureResponse
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		err := req.SignatureType.Check()
		if nil != err {
			return failCause(err, ErrInvalidRequest, "invalid signature type")
		}

		var activation store.Activation
		err = tx.LoadActivationForUpdate(req.ActivationID, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", req.ActivationID)
		}
		_, err = self.deactivatePending(tx, &post, &activation, true)
		if nil != err {
			return err
		}

		version, err := self.loadSupportedVersion(tx, req.ApplicationKey, ErrInvalidApplication)
		if nil != err {
			return err
		}
		if version.ApplicationID != activation.ApplicationID {
			return fail(ErrInvalidApplication, "application key does not match activation")
		}

		if store.ActivationActive != activation.Status {
			err = self.auditSignature(tx, &activation, req, false, "activation_invalid_state")
			if nil != err {
				return err
			}
			rv = signatureResponse(&activation, req.SignatureType, false)
			return nil
		}

		valid, advance, err := self.matchSignature(&activation, req)
		if nil != err {
			return err
		}

		now := time.Now()
		if valid {
			// advance past the matched counter position
			ctrData := activation.CtrData
			for i := 0; i < advance; i++ {
				ctrData = crypto.NextCtrData(ctrData)
			}
			activation.CtrData = crypto.NextCtrData(ctrData)
			activation.Counter += uint64(advance) + 1
			activation.FailedAttempts = 0
			activation.LastUsedAt = now
			err = tx.SaveActivation(&activation)
			if nil != err {
				return failCause(err, ErrUnknown, "failed saving activation")
			}
			err = self.auditSignature(tx, &activation, req, true, "signature_ok")
			if nil != err {
				return err
			}
			rv = signatureResponse(&activation, req.SignatureType, true)
			return nil
		}

		activation.FailedAttempts++
		if activation.FailedAttempts >= activation.MaxFailedAttempts {
			activation.FailedAttempts = activation.MaxFailedAttempts
			activation.Status = store.ActivationBlocked
			activation.BlockedReason = blockedReasonMaxAttempts
			err = self.saveAndLog(tx, &activation, blockedReasonMaxAttempts, "")
			if nil != err {
				return err
			}
			post.add(self.notifyCallbacks(tx, activation))
		} else {
			activation.LastUsedAt = now
			err = tx.SaveActivation(&activation)
			if nil != err {
				return failCause(err, ErrUnknown, "failed saving activation")
			}
		}
		err = self.auditSignature(tx, &activation, req, false, "signature_does_not_match")
		if nil != err {
			return err
		}
		rv = signatureResponse(&activation, req.SignatureType, false)
		return nil
	})
	if nil != err {
		return VerifySignatureResponse{}, err
	}
	post.deliver(ctx)
	return rv, nil
}

// matchSignature searches the look-ahead window for a counter position
// whose signature matches. It returns the offset of the match.
func (self *Service) matchSignature(activation *store.Activation, req VerifySignatureRequest) (bool, int, error) {
	if 0 == len(activation.CtrData) {
		return false, 0, fail(ErrActivationIncorrectState, "activation has no counter data")
	}
	z, err := self.sharedSecretOf(activation)
	if nil != err {
		return false, 0, err
	}
	factorKeys := req.SignatureType.FactorKeys(z)

	ctrData := activation.CtrData
	for i := 0; i < self.cfg.SignatureValidationLookahead; i++ {
		expect := crypto.ComputeSignature(factorKeys, ctrData, req.Data)
		if crypto.SecureCompare([]byte(expect), []byte(req.Signature)) {
			return true, i, nil
		}
		ctrData = crypto.NextCtrData(ctrData)
	}
	return false, 0, nil
}

func (self *Service) auditSignature(tx store.Tx, activation *store.Activation, req VerifySignatureRequest, valid bool, note string) error {
	err := tx.AppendSignatureAudit(&store.SignatureAudit{
		ActivationID:  activation.ActivationID,
		UserID:        activation.UserID,
		ApplicationID: activation.ApplicationID,
		Version:       activation.Version,
		SignatureType: req.SignatureType,
		Signature:     req.Signature,
		Data:          req.Data,
		Valid:         valid,
		Note:          note,
		CounterBefore: activation.Counter,
		CreatedAt:     time.Now(),
	})
	return failCause(err, ErrUnknown, "failed appending audit entry") // nil if err is nil
}

func signatureResponse(activation *store.Activation, signatureType crypto.SignatureType, valid bool) VerifySignatureResponse {
	remaining := uint64(0)
	if activation.MaxFailedAttempts > activation.FailedAttempts {
		remaining = activation.MaxFailedAttempts - activation.FailedAttempts
	}
	return VerifySignatureResponse{
		Valid:             valid,
		Status:            activation.Status,
		BlockedReason:     activation.BlockedReason,
		ActivationID:      activation.ActivationID,
		UserID:            activation.UserID,
		ApplicationID:     activation.ApplicationID,
		SignatureType:     signatureType,
		RemainingAttempts: remaining,
	}
}

// GetSignatureAuditLog lists audit rows matching the query.
func (self *Service) GetSignatureAuditLog(ctx context.Context, query store.SignatureAuditQuery) ([]store.SignatureAudit, error) {
	var rv []store.SignatureAudit
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		entries, err := tx.ListSignatureAudit(query)
		if nil != err {
			return failCause(err, ErrUnknown, "failed audit listing")
		}
		rv = entries
		return nil
	})
	return rv, err
}

// VerifyECDSASignature validates a device ECDSA signature over data against
// the activation device public key.
func (self *Service) VerifyECDSASignature(ctx context.Context, activationId string, data, signature []byte) (bool, error) {
	var valid bool
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivation(activationId, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
		}
		if 0 == len(activation.DevicePublicKey) {
			return fail(ErrActivationIncorrectState, "activation has no device key")
		}
		deviceKey, err := crypto.PublicKeyFromBytes(activation.DevicePublicKey)
		if nil != err {
			return failCause(err, ErrInvalidKeyFormat, "failed device key parsing")
		}
		valid = crypto.VerifyECDSA(deviceKey, data, signature)
		return nil
	})
	if nil != err {
		return false, err
	}
	return valid, nil
}

// Offline signature payloads: {data}\n{nonce}\n{key flag}{ECDSA signature}.
// The flag tells the device which key signed the payload: the activation
// server key (personalized, "1") or the application master key
// (non-personalized, "0").
const (
	offlineFlagPersonalized    = "1"
	offlineFlagNonPersonalized = "0"
)

// CreatePersonalizedOfflineSignaturePayload builds the offline QR payload
// signed with the activation server private key.
func (self *Service) CreatePersonalizedOfflineSignaturePayload(ctx context.Context, activationId, data string) (string, []byte, error) {
	var payload string
	var nonce []byte
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivation(activationId, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
		}
		serverKey, err := self.serverPrivateKeyOf(&activation)
		if nil != err {
			return err
		}
		payload, nonce, err = buildOfflinePayload(data, offlineFlagPersonalized, func(signed []byte) ([]byte, error) {
			return crypto.SignECDSA(serverKey, signed)
		})
		return err
	})
	if nil != err {
		return "", nil, err
	}
	return payload, nonce, nil
}

// CreateNonPersonalizedOfflineSignaturePayload builds the offline QR payload
// signed with the application master private key.
func (self *Service) CreateNonPersonalizedOfflineSignaturePayload(ctx context.Context, applicationId int64, data string) (string, []byte, error) {
	var payload string
	var nonce []byte
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var masterPair store.MasterKeyPair
		err := tx.LoadLatestMasterKeyPair(applicationId, &masterPair)
		if nil != err {
			return failCause(err, ErrNoMasterKeyPair, "no master key pair for application %d", applicationId)
		}
		masterKey, err := crypto.PrivateKeyFromBytes(masterPair.MasterPrivateKey)
		if nil != err {
			return failCause(err, ErrIncorrectMasterKeyPair, "failed master private key parsing")
		}
		payload, nonce, err = buildOfflinePayload(data, offlineFlagNonPersonalized, func(signed []byte) ([]byte, error) {
			return crypto.SignECDSA(masterKey, signed)
		})
		return err
	})
	if nil != err {
		return "", nil, err
	}
	return payload, nonce, nil
}

func buildOfflinePayload(data, keyFlag string, sign func([]byte) ([]byte, error)) (string, []byte, error) {
	nonce, err := crypto.RandomBytes(16)
	if nil != err {
		return "", nil, failCause(err, ErrGenericCryptography, "failed nonce generation")
	}
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)
	signedData := data + "\n" + nonceB64 + "\n" + keyFlag
	signature, err := sign([]byte(signedData))
	if nil != err {
		return "", nil, failCause(err, ErrGenericCryptography, "failed payload signing")
	}
	payload := signedData + base64.StdEncoding.EncodeToString(signature)
	return payload, nonce, nil
}

// VerifyOfflineSignature validates an offline signature computed with the
// possession and knowledge factors (optionally biometry) over the offline
// payload data.
func (self *Service) VerifyOfflineSignature(ctx context.Context, activationId string, data []byte, signature string, allowBiometry bool) (VerifySignatureResponse, error) {
	signatureType := crypto.SignaturePossessionKnowledge
	if allowBiometry {
		signatureType = crypto.SignaturePossessionBiometry
	}
	var version store.ApplicationVersion
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivation(activationId, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
		}
		version, err = self.versionOfApplication(tx, activation.ApplicationID)
		return err
	})
	if nil != err {
		return VerifySignatureResponse{}, err
	}
	return self.VerifySignature(ctx, VerifySignatureRequest{
		ActivationID:   activationId,
		ApplicationKey: version.ApplicationKey,
		SignatureType:  signatureType,
		Signature:      signature,
		Data:           data,
	})
}

// versionOfApplication picks a supported version of the application, for
// flows addressed by activation rather than application key.
func (self *Service) versionOfApplication(tx store.Tx, applicationId int64) (store.ApplicationVersion, error) {
	versions, err := tx.ListApplicationVersions(applicationId)
	if nil != err {
		return store.ApplicationVersion{}, failCause(err, ErrUnknown, "failed version listing")
	}
	for _, v := range versions {
		if v.Supported {
			return v, nil
		}
	}
	return store.ApplicationVersion{}, fail(ErrInvalidApplication, "application has no supported version")
}

// VaultUnlockRequest asks for the activation vault encryption key after a
// successful signature verification.
type VaultUnlockRequest struct {
	ActivationID   string
	ApplicationKey string
	SignatureType  crypto.SignatureType
	Signature      string
	SignedData     []byte
	Cryptogram     ecies.Cryptogram
}

// vaultUnlockPayload is the layer-2 response of vault unlock.
type vaultUnlockPayload struct {
	EncryptedVaultEncryptionKey []byte `json:"encryptedVaultEncryptionKey"`
}

// VaultUnlock verifies the request signature and returns the vault
// encryption key, itself wrapped under the transport key, inside an ECIES
// response of scope /pa/vault/unlock.
func (self *Service) VaultUnlock(ctx context.Context, req VaultUnlockRequest) (ecies.Cryptogram, error) {
	verification, err := self.VerifySignature(ctx, VerifySignatureRequest{
		ActivationID:   req.ActivationID,
		ApplicationKey: req.ApplicationKey,
		SignatureType:  req.SignatureType,
		Signature:      req.Signature,
		Data:           req.SignedData,
	})
	if nil != err {
		return ecies.Cryptogram{}, err
	}
	if !verification.Valid {
		return ecies.Cryptogram{}, fail(ErrInvalidRequest, "signature verification failed")
	}

	var rv ecies.Cryptogram
	err = self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivation(req.ActivationID, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", req.ActivationID)
		}
		var version store.ApplicationVersion
		err = tx.LoadVersionByApplicationKey(req.ApplicationKey, &version)
		if nil != err {
			return failCause(err, ErrInvalidApplication, "unknown application key")
		}

		transportKey, serverKey, err := self.transportKeyOf(&activation)
		if nil != err {
			return err
		}
		z, err := self.sharedSecretOf(&activation)
		if nil != err {
			return err
		}
		vaultKey := crypto.DeriveSecretKey(z, crypto.LabelVault)
		wrappedVaultKey, err := crypto.EncryptCBC(transportKey, make([]byte, 16), vaultKey)
		if nil != err {
			return failCause(err, ErrGenericCryptography, "failed vault key wrapping")
		}

		sharedInfo2 := ecies.SharedInfo2ForActivation([]byte(version.ApplicationSecret), transportKey)
		decryptor := ecies.NewDecryptor(serverKey, ecies.VaultUnlock, sharedInfo2)
		_, err = decryptor.DecryptRequest(req.Cryptogram)
		if nil != err {
			return failCause(err, ErrDecryptionFailed, "failed vault unlock request decryption")
		}

		payload, err := json.Marshal(vaultUnlockPayload{EncryptedVaultEncryptionKey: wrappedVaultKey})
		if nil != err {
			return failCause(err, ErrUnknown, "failed vault response marshaling")
		}
		rv, err = decryptor.EncryptResponse(payload)
		if nil != err {
			return failCause(err, ErrDecryptionFailed, "failed vault response encryption")
		}
		return nil
	})
	if nil != err {
		return ecies.Cryptogram{}, err
	}
	return rv, nil
}

// upgradePayload is the layer-2 response of startUpgrade.
type upgradePayload struct {
	CtrData []byte `json:"ctrData"`
}

// StartUpgrade prepares the v2 to v3 migration of an activation: a hash
// based counter is initialized and returned through an activation scope
// ECIES envelope. The legacy numeric counter is preserved.
func (self *Service) StartUpgrade(ctx context.Context, activationId, applicationKey string, cryptogram ecies.Cryptogram) (ecies.Cryptogram, error) {
	var rv ecies.Cryptogram
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivationForUpdate(activationId, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
		}
		if store.ActivationActive != activation.Status {
			return fail(ErrActivationIncorrectState, "activation is not ACTIVE")
		}

		version, err := self.loadSupportedVersion(tx, applicationKey, ErrInvalidApplication)
		if nil != err {
			return err
		}
		if version.ApplicationID != activation.ApplicationID {
			return fail(ErrInvalidApplication, "application key does not match activation")
		}

		transportKey, serverKey, err := self.transportKeyOf(&activation)
		if nil != err {
			return err
		}
		sharedInfo2 := ecies.SharedInfo2ForActivation([]byte(version.ApplicationSecret), transportKey)
		decryptor := ecies.NewDecryptor(serverKey, ecies.Upgrade, sharedInfo2)
		_, err = decryptor.DecryptRequest(cryptogram)
		if nil != err {
			return failCause(err, ErrDecryptionFailed, "failed upgrade request decryption")
		}

		// idempotent: a restarted upgrade reuses the pending counter data
		if 0 == len(activation.CtrData) {
			ctrData, err := crypto.InitCtrData()
			if nil != err {
				return failCause(err, ErrGenericCryptography, "failed counter initialization")
			}
			activation.CtrData = ctrData
			err = tx.SaveActivation(&activation)
			if nil != err {
				return failCause(err, ErrUnknown, "failed saving activation")
			}
		}

		payload, err := json.Marshal(upgradePayload{CtrData: activation.CtrData})
		if nil != err {
			return failCause(err, ErrUnknown, "failed upgrade response marshaling")
		}
		rv, err = decryptor.EncryptResponse(payload)
		if nil != err {
			return failCause(err, ErrDecryptionFailed, "failed upgrade response encryption")
		}
		return nil
	})
	if nil != err {
		return ecies.Cryptogram{}, err
	}
	return rv, nil
}

// CommitUpgrade finalizes the v2 to v3 migration: the activation version
// flips to 3 once the device confirmed it holds the new counter data.
func (self *Service) CommitUpgrade(ctx context.Context, activationId string) error {
	return self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivationForUpdate(activationId, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
		}
		if store.ActivationActive != activation.Status {
			return fail(ErrActivationIncorrectState, "activation is not ACTIVE")
		}
		if 0 == len(activation.CtrData) {
			return fail(ErrActivationIncorrectState, "upgrade was not started")
		}
		if protocolVersion == activation.Version {
			return nil
		}
		activation.Version = protocolVersion
		return self.saveAndLog(tx, &activation, "UPGRADE", "")
	})
}
