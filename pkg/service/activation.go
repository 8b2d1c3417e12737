package service

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/ecies"
	"code.activault.org/server/pkg/store"
)

// protocolVersion is the current protocol major version. Activations created
// with a lower version are offered an upgrade to this one.
const protocolVersion = 3

const (
	maxUserIdLen              = 255
	blockedReasonNotSpecified = "NOT_SPECIFIED"
	blockedReasonMaxAttempts  = "MAX_FAILED_ATTEMPTS"
)

// InitActivationRequest starts the activation lifecycle for a user.
type InitActivationRequest struct {
	ApplicationID   int64
	UserID          string
	MaxFailureCount uint64    // 0 selects the configured default
	ExpiresAt       time.Time // zero selects now + configured validity
}

// InitActivationResponse returns the pairing material handed to the user
// through the master back-end.
type InitActivationResponse struct {
	ActivationID        string `json:"activationId"`
	ActivationCode      string `json:"activationCode"`
	ActivationSignature []byte `json:"activationSignature"`
	UserID              string `json:"userId"`
	ApplicationID       int64  `json:"applicationId"`
}

// ActivationLayer2Request is the inner encrypted document of prepare/create.
type ActivationLayer2Request struct {
	DevicePublicKey []byte `json:"devicePublicKey"`
	ActivationName  string `json:"activationName"`
	Extras          string `json:"extras,omitempty"`
}

// ActivationRecovery carries freshly issued recovery credentials inside the
// layer-2 response.
type ActivationRecovery struct {
	RecoveryCode string `json:"recoveryCode"`
	Puk          string `json:"puk"`
}

// ActivationLayer2Response is the inner encrypted document of the
// prepare/create response.
type ActivationLayer2Response struct {
	ActivationID       string              `json:"activationId"`
	CtrData            []byte              `json:"ctrData"`
	ServerPublicKey    []byte              `json:"serverPublicKey"`
	ActivationRecovery *ActivationRecovery `json:"activationRecovery,omitempty"`
}

// PrepareActivationRequest completes the pairing for an activation located
// by its activation code.
type PrepareActivationRequest struct {
	ActivationCode string
	ApplicationKey string
	Cryptogram     ecies.Cryptogram
}

// PrepareActivationResponse carries the encrypted layer-2 response.
type PrepareActivationResponse struct {
	ActivationID string           `json:"activationId"`
	UserID       string           `json:"userId"`
	Cryptogram   ecies.Cryptogram `json:"cryptogram"`
}

// CreateActivationRequest performs init + prepare in one call, on behalf of
// the master back-end.
type CreateActivationRequest struct {
	UserID          string
	ApplicationKey  string
	MaxFailureCount uint64
	ExpiresAt       time.Time
	Cryptogram      ecies.Cryptogram
}

// CreateActivationResponse carries the encrypted layer-2 response.
type CreateActivationResponse struct {
	ActivationID string           `json:"activationId"`
	Cryptogram   ecies.Cryptogram `json:"cryptogram"`
}

// InitActivation creates an activation in CREATED state and returns the
// activation code signed with the application master key.
func (self *Service) InitActivation(ctx context.Context, req InitActivationRequest) (InitActivationResponse, error) {
	var rv InitActivationResponse
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		activation, signature, err := self.initActivationTx(tx, &post, req)
		if nil != err {
			return err
		}
		rv = InitActivationResponse{
			ActivationID:        activation.ActivationID,
			ActivationCode:      activation.ActivationCode,
			ActivationSignature: signature,
			UserID:              activation.UserID,
			ApplicationID:       activation.ApplicationID,
		}
		return nil
	})
	if nil != err {
		return InitActivationResponse{}, err
	}
	post.deliver(ctx)
	return rv, nil
}

// initActivationTx is the transactional body of InitActivation, shared with
// CreateActivation and the recovery path.
func (self *Service) initActivationTx(tx store.Tx, post *pending, req InitActivationRequest) (store.Activation, []byte, error) {
	var none store.Activation
	now := time.Now()

	if "" == req.UserID || len(req.UserID) > maxUserIdLen {
		return none, nil, fail(ErrNoUserId, "user id not specified or invalid")
	}
	if 0 == req.ApplicationID {
		return none, nil, fail(ErrNoApplicationId, "application id not specified")
	}

	maxAttempts := req.MaxFailureCount
	if 0 == maxAttempts {
		maxAttempts = self.cfg.DefaultMaxFailedAttempts
	}
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(self.cfg.ActivationValidityBeforeActive)
	}

	// latest master key pair signs the activation code
	var masterPair store.MasterKeyPair
	err := tx.LoadLatestMasterKeyPair(req.ApplicationID, &masterPair)
	if nil != err {
		return none, nil, failCause(err, ErrNoMasterKeyPair, "no master key pair for application %d", req.ApplicationID)
	}
	masterKey, err := crypto.PrivateKeyFromBytes(masterPair.MasterPrivateKey)
	if nil != err {
		return none, nil, failCause(err, ErrIncorrectMasterKeyPair, "failed master private key parsing")
	}

	// rejection sampling of the activation identifier
	var activationId string
	for i := 0; i < self.cfg.ActivationIdIterations; i++ {
		candidate := crypto.GenerateActivationId()
		exists, err := tx.ActivationIdExists(candidate)
		if nil != err {
			return none, nil, failCause(err, ErrUnknown, "failed activation id uniqueness check")
		}
		if !exists {
			activationId = candidate
			break
		}
	}
	if "" == activationId {
		return none, nil, fail(ErrUnableToGenerateActivationId, "exhausted activation id generation attempts")
	}

	// rejection sampling of the activation code, scoped to the application
	var activationCode string
	for i := 0; i < self.cfg.ActivationCodeIterations; i++ {
		candidate, err := crypto.GenerateActivationCode()
		if nil != err {
			return none, nil, failCause(err, ErrGenericCryptography, "failed activation code generation")
		}
		exists, err := tx.ActivationCodeExists(req.ApplicationID, candidate)
		if nil != err {
			return none, nil, failCause(err, ErrUnknown, "failed activation code uniqueness check")
		}
		if !exists {
			activationCode = candidate
			break
		}
	}
	if "" == activationCode {
		return none, nil, fail(ErrUnableToGenerateActivationCode, "exhausted activation code generation attempts")
	}

	signature, err := crypto.SignECDSA(masterKey, []byte(activationCode))
	if nil != err {
		return none, nil, failCause(err, ErrGenericCryptography, "failed activation code signing")
	}

	serverKey, err := crypto.GenerateKeyPair()
	if nil != err {
		return none, nil, failCause(err, ErrGenericCryptography, "failed server key generation")
	}
	mode, encryptedKey, err := self.codec.Encrypt(crypto.PrivateKeyBytes(serverKey), req.UserID, activationId)
	if nil != err {
		return none, nil, failCause(err, ErrGenericCryptography, "failed server key encryption")
	}

	activation := store.Activation{
		ActivationID:               activationId,
		ApplicationID:              req.ApplicationID,
		UserID:                     req.UserID,
		ActivationCode:             activationCode,
		Status:                     store.ActivationCreated,
		Counter:                    0,
		ServerPrivateKey:           encryptedKey,
		ServerPrivateKeyEncryption: mode,
		ServerPublicKey:            crypto.PublicKeyBytes(serverKey.PublicKey()),
		FailedAttempts:             0,
		MaxFailedAttempts:          maxAttempts,
		ExpiresAt:                  expiresAt,
		CreatedAt:                  now,
		LastUsedAt:                 now,
		MasterKeyPairID:            masterPair.ID,
	}
	err = self.saveAndLog(tx, &activation, "", "")
	if nil != err {
		return none, nil, err
	}
	post.add(self.notifyCallbacks(tx, activation))

	return activation, signature, nil
}

// PrepareActivation completes the pairing of a device against an activation
// in CREATED state, moving it to OTP_USED.
func (self *Service) PrepareActivation(ctx context.Context, req PrepareActivationRequest) (PrepareActivationResponse, error) {
	var rv PrepareActivationResponse
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		version, err := self.loadSupportedVersion(tx, req.ApplicationKey, ErrActivationExpired)
		if nil != err {
			return err
		}

		decryptor, err := self.applicationLayer2Decryptor(tx, version)
		if nil != err {
			return err
		}
		layer2, err := decryptLayer2Request(decryptor, req.Cryptogram)
		if nil != err {
			return err
		}

		// locate by code without lock, then re-acquire by id under lock
		var probe store.Activation
		err = tx.FindCreatedActivationByCode(version.ApplicationID, req.ActivationCode, &probe)
		if nil != err {
			if errors.Is(err, store.ErrNotFound) {
				return failCause(err, ErrActivationNotFound, "no created activation for code")
			}
			return failCause(err, ErrUnknown, "failed activation lookup")
		}
		var activation store.Activation
		err = tx.LoadActivationForUpdate(probe.ActivationID, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "failed activation reload")
		}

		removed, err := self.deactivatePending(tx, &post, &activation, true)
		if nil != err {
			return err
		}
		if removed {
			return fail(ErrActivationExpired, "activation expired before pairing")
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
		rv = PrepareActivationResponse{
			ActivationID: activation.ActivationID,
			UserID:       activation.UserID,
			Cryptogram:   cryptogram,
		}
		return nil
	})
	if nil != err {
		return PrepareActivationResponse{}, err
	}
	post.deliver(ctx)
	return rv, nil
}

// CreateActivation creates and pairs an activation in a single call.
func (self *Service) CreateActivation(ctx context.Context, req CreateActivationRequest) (CreateActivationResponse, error) {
	var rv CreateActivationResponse
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		version, err := self.loadSupportedVersion(tx, req.ApplicationKey, ErrInvalidApplication)
		if nil != err {
			return err
		}

		decryptor, err := self.applicationLayer2Decryptor(tx, version)
		if nil != err {
			return err
		}
		layer2, err := decryptLayer2Request(decryptor, req.Cryptogram)
		if nil != err {
			return err
		}

		created, _, err := self.initActivationTx(tx, &post, InitActivationRequest{
			ApplicationID:   version.ApplicationID,
			UserID:          req.UserID,
			MaxFailureCount: req.MaxFailureCount,
			ExpiresAt:       req.ExpiresAt,
		})
		if nil != err {
			return err
		}
		var activation store.Activation
		err = tx.LoadActivationForUpdate(created.ActivationID, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "failed activation reload")
		}

		removed, err := self.deactivatePending(tx, &post, &activation, true)
		if nil != err {
			return err
		}
		if removed {
			return fail(ErrActivationExpired, "activation expired before pairing")
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
		rv = CreateActivationResponse{ActivationID: activation.ActivationID, Cryptogram: cryptogram}
		return nil
	})
	if nil != err {
		return CreateActivationResponse{}, err
	}
	post.deliver(ctx)
	return rv, nil
}

// CommitActivation moves an activation from OTP_USED to ACTIVE and activates
// its recovery codes.
func (self *Service) CommitActivation(ctx context.Context, activationId, externalUserId string) error {
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivationForUpdate(activationId, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
		}

		removed, err := self.deactivatePending(tx, &post, &activation, true)
		if nil != err {
			return err
		}
		if removed || store.ActivationRemoved == activation.Status {
			return fail(ErrActivationExpired, "activation already removed")
		}
		if store.ActivationOtpUsed != activation.Status {
			return fail(ErrActivationIncorrectState, "activation not in OTP_USED state")
		}

		activation.Status = store.ActivationActive
		err = self.saveAndLog(tx, &activation, "", externalUserId)
		if nil != err {
			return err
		}
		post.add(self.notifyCallbacks(tx, activation))

		// recovery codes issued at pairing time become usable now
		codes, err := tx.ListRecoveryCodesByActivation(activation.ApplicationID, activation.ActivationID)
		if nil != err {
			return failCause(err, ErrUnknown, "failed recovery code listing")
		}
		now := time.Now()
		for i := range codes {
			if store.RecoveryCodeCreated != codes[i].Status {
				continue
			}
			codes[i].Status = store.RecoveryCodeActive
			codes[i].LastChangedAt = now
			err = tx.SaveRecoveryCode(&codes[i])
			if nil != err {
				return failCause(err, ErrUnknown, "failed recovery code activation")
			}
		}
		return nil
	})
	if nil != err {
		return err
	}
	post.deliver(ctx)
	return nil
}

// BlockActivation moves an ACTIVE activation to BLOCKED. Blocking an already
// BLOCKED activation is a no-op.
func (self *Service) BlockActivation(ctx context.Context, activationId, reason, externalUserId string) (store.ActivationStatus, string, error) {
	var status store.ActivationStatus
	var blockedReason string
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivationForUpdate(activationId, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
		}

		switch activation.Status {
		case store.ActivationActive:
			activation.Status = store.ActivationBlocked
			if "" == reason {
				activation.BlockedReason = blockedReasonNotSpecified
			} else {
				activation.BlockedReason = reason
			}
			err = self.saveAndLog(tx, &activation, activation.BlockedReason, externalUserId)
			if nil != err {
				return err
			}
			post.add(self.notifyCallbacks(tx, activation))
		case store.ActivationBlocked:
			// idempotent
		default:
			return fail(ErrActivationIncorrectState, "activation can not be blocked from %s", activation.Status)
		}

		status = activation.Status
		blockedReason = activation.BlockedReason
		return nil
	})
	if nil != err {
		return 0, "", err
	}
	post.deliver(ctx)
	return status, blockedReason, nil
}

// UnblockActivation moves a BLOCKED activation back to ACTIVE, clearing the
// failed attempt counter. Unblocking an ACTIVE activation is a no-op.
func (self *Service) UnblockActivation(ctx context.Context, activationId, externalUserId string) (store.ActivationStatus, error) {
	var status store.ActivationStatus
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivationForUpdate(activationId, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
		}

		switch activation.Status {
		case store.ActivationBlocked:
			activation.Status = store.ActivationActive
			activation.BlockedReason = ""
			activation.FailedAttempts = 0
			err = self.saveAndLog(tx, &activation, "", externalUserId)
			if nil != err {
				return err
			}
			post.add(self.notifyCallbacks(tx, activation))
		case store.ActivationActive:
			// idempotent
		default:
			return fail(ErrActivationIncorrectState, "activation can not be unblocked from %s", activation.Status)
		}

		status = activation.Status
		return nil
	})
	if nil != err {
		return 0, err
	}
	post.deliver(ctx)
	return status, nil
}

// RemoveActivation force-transitions an activation to REMOVED from any state.
func (self *Service) RemoveActivation(ctx context.Context, activationId, externalUserId string) error {
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		return self.removeActivationTx(tx, &post, activationId, externalUserId)
	})
	if nil != err {
		return err
	}
	post.deliver(ctx)
	return nil
}

// removeActivationTx is the transactional body of RemoveActivation, shared
// with the recovery path. Recovery codes tied to the activation are revoked
// when their PUKs are spent.
func (self *Service) removeActivationTx(tx store.Tx, post *pending, activationId, externalUserId string) error {
	var activation store.Activation
	err := tx.LoadActivationForUpdate(activationId, &activation)
	if nil != err {
		return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
	}
	activation.Status = store.ActivationRemoved
	err = self.saveAndLog(tx, &activation, "", externalUserId)
	if nil != err {
		return err
	}
	post.add(self.notifyCallbacks(tx, activation))
	return nil
}

// ActivationListItem is one row of GetActivationList / LookupActivations.
type ActivationListItem struct {
	ActivationID   string                 `json:"activationId"`
	Status         store.ActivationStatus `json:"activationStatus"`
	BlockedReason  string                 `json:"blockedReason,omitempty"`
	ActivationName string                 `json:"activationName,omitempty"`
	Extras         string                 `json:"extras,omitempty"`
	UserID         string                 `json:"userId"`
	ApplicationID  int64                  `json:"applicationId"`
	CreatedAt      time.Time              `json:"timestampCreated"`
	LastUsedAt     time.Time              `json:"timestampLastUsed"`
	LastChangedAt  time.Time              `json:"timestampLastChange,omitempty"`
	Version        byte                   `json:"version"`
}

// GetActivationList returns the activations of a user, lazily expiring
// pending ones. applicationId 0 spans all applications.
func (self *Service) GetActivationList(ctx context.Context, applicationId int64, userId string) ([]ActivationListItem, error) {
	var rv []ActivationListItem
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		activations, err := tx.ListActivationsByUser(applicationId, userId)
		if nil != err {
			return failCause(err, ErrUnknown, "failed activation listing")
		}
		rv = make([]ActivationListItem, 0, len(activations))
		for i := range activations {
			_, err = self.deactivatePending(tx, &post, &activations[i], false)
			if nil != err {
				return err
			}
			rv = append(rv, activationListItem(&activations[i]))
		}
		return nil
	})
	if nil != err {
		return nil, err
	}
	post.deliver(ctx)
	return rv, nil
}

// LookupActivations queries activations with combined filters.
func (self *Service) LookupActivations(ctx context.Context, query store.ActivationQuery) ([]ActivationListItem, error) {
	var rv []ActivationListItem
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		activations, err := tx.LookupActivations(query)
		if nil != err {
			return failCause(err, ErrUnknown, "failed activation lookup")
		}
		rv = make([]ActivationListItem, 0, len(activations))
		for i := range activations {
			rv = append(rv, activationListItem(&activations[i]))
		}
		return nil
	})
	if nil != err {
		return nil, err
	}
	return rv, nil
}

// UpdateStatusForActivations applies one status to a batch of activations,
// skipping those already in the target state.
func (self *Service) UpdateStatusForActivations(ctx context.Context, activationIds []string, status store.ActivationStatus) error {
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		for _, activationId := range activationIds {
			var activation store.Activation
			err := tx.LoadActivationForUpdate(activationId, &activation)
			if nil != err {
				return failCause(err, ErrActivationNotFound, "unknown activation %s", activationId)
			}
			if activation.Status == status {
				continue
			}
			activation.Status = status
			err = self.saveAndLog(tx, &activation, "", "")
			if nil != err {
				return err
			}
			post.add(self.notifyCallbacks(tx, activation))
		}
		return nil
	})
	if nil != err {
		return err
	}
	post.deliver(ctx)
	return nil
}

// GetActivationHistory lists the status changes of an activation.
func (self *Service) GetActivationHistory(ctx context.Context, activationId string, from, to time.Time) ([]store.ActivationHistory, error) {
	var rv []store.ActivationHistory
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		entries, err := tx.ListActivationHistory(activationId, from, to)
		if nil != err {
			return failCause(err, ErrUnknown, "failed history listing")
		}
		rv = entries
		return nil
	})
	return rv, err
}

// helpers

// saveAndLog persists the activation and appends a history row recording
// its current status.
func (self *Service) saveAndLog(tx store.Tx, activation *store.Activation, reason, externalUserId string) error {
	now := time.Now()
	activation.LastChangedAt = now
	err := tx.SaveActivation(activation)
	if nil != err {
		return failCause(err, ErrUnknown, "failed saving activation")
	}
	err = tx.AppendActivationHistory(&store.ActivationHistory{
		ActivationID:   activation.ActivationID,
		Status:         activation.Status,
		EventReason:    reason,
		ExternalUserID: externalUserId,
		CreatedAt:      now,
	})
	return failCause(err, ErrUnknown, "failed appending history") // nil if err is nil
}

// deactivatePending lazily expires a CREATED/OTP_USED activation whose
// expiration timestamp has passed. When the caller holds no row lock the
// activation is re-acquired under lock before mutation. It reports whether
// the activation was removed.
func (self *Service) deactivatePending(tx store.Tx, post *pending, activation *store.Activation, locked bool) (bool, error) {
	if !activation.Pending() || !time.Now().After(activation.ExpiresAt) {
		return false, nil
	}
	if !locked {
		err := tx.LoadActivationForUpdate(activation.ActivationID, activation)
		if nil != err {
			return false, failCause(err, ErrUnknown, "failed activation lock upgrade")
		}
		// state may have moved while unlocked
		if !activation.Pending() || !time.Now().After(activation.ExpiresAt) {
			return store.ActivationRemoved == activation.Status, nil
		}
	}
	activation.Status = store.ActivationRemoved
	err := self.saveAndLog(tx, activation, "EXPIRED", "")
	if nil != err {
		return false, err
	}
	post.add(self.notifyCallbacks(tx, *activation))
	return true, nil
}

// validateCreatedActivation checks that an activation is ready for the
// pairing step: CREATED state, owned by the expected application, and a
// well-formed activation code.
func (self *Service) validateCreatedActivation(activation *store.Activation, applicationId int64) error {
	if store.ActivationCreated != activation.Status || activation.ApplicationID != applicationId {
		return fail(ErrActivationExpired, "activation state is invalid for pairing")
	}
	if !crypto.ValidateActivationCode(activation.ActivationCode) {
		return fail(ErrActivationExpired, "activation code is invalid")
	}
	return nil
}

// handleInvalidDeviceKey sinks an activation whose pairing can no longer be
// completed: the device sent an unusable public key.
func (self *Service) handleInvalidDeviceKey(tx store.Tx, post *pending, activation *store.Activation) error {
	activation.Status = store.ActivationRemoved
	err := self.saveAndLog(tx, activation, "INVALID_DEVICE_KEY", "")
	if nil != err {
		return err
	}
	post.add(self.notifyCallbacks(tx, *activation))
	return fail(ErrActivationNotFound, "invalid device public key")
}

// completePairing applies the layer-2 request to a validated CREATED
// activation, moving it to OTP_USED, and issues recovery credentials when
// the application has recovery enabled.
func (self *Service) completePairing(tx store.Tx, post *pending, activation *store.Activation, layer2 ActivationLayer2Request) (*ActivationRecovery, error) {
	deviceKey, err := crypto.PublicKeyFromBytes(layer2.DevicePublicKey)
	if nil != err {
		return nil, self.handleInvalidDeviceKey(tx, post, activation)
	}

	ctrData, err := crypto.InitCtrData()
	if nil != err {
		return nil, failCause(err, ErrGenericCryptography, "failed counter initialization")
	}

	activation.Status = store.ActivationOtpUsed
	activation.DevicePublicKey = crypto.PublicKeyBytes(deviceKey)
	activation.ActivationName = layer2.ActivationName
	activation.Extras = layer2.Extras
	activation.Version = protocolVersion
	activation.CtrData = ctrData
	err = self.saveAndLog(tx, activation, "", "")
	if nil != err {
		return nil, err
	}
	post.add(self.notifyCallbacks(tx, *activation))

	var cfg store.RecoveryConfig
	err = tx.LoadRecoveryConfig(activation.ApplicationID, &cfg)
	if nil != err || !cfg.ActivationRecoveryEnabled {
		return nil, nil
	}
	return self.createRecoveryCodeForActivation(tx, activation)
}

// loadSupportedVersion resolves an application version by its application
// key, failing with missingFlag when absent or unsupported.
func (self *Service) loadSupportedVersion(tx store.Tx, applicationKey string, missingFlag ServiceError) (store.ApplicationVersion, error) {
	var version store.ApplicationVersion
	err := tx.LoadVersionByApplicationKey(applicationKey, &version)
	if nil != err {
		return version, failCause(err, missingFlag, "unknown application key")
	}
	if !version.Supported {
		return version, fail(missingFlag, "application version is not supported")
	}
	return version, nil
}

// applicationLayer2Decryptor builds the application scope ECIES decryptor
// for the activation layer-2 payload.
func (self *Service) applicationLayer2Decryptor(tx store.Tx, version store.ApplicationVersion) (*ecies.Decryptor, error) {
	var masterPair store.MasterKeyPair
	err := tx.LoadLatestMasterKeyPair(version.ApplicationID, &masterPair)
	if nil != err {
		return nil, failCause(err, ErrNoMasterKeyPair, "no master key pair for application %d", version.ApplicationID)
	}
	masterKey, err := crypto.PrivateKeyFromBytes(masterPair.MasterPrivateKey)
	if nil != err {
		return nil, failCause(err, ErrIncorrectMasterKeyPair, "failed master private key parsing")
	}
	sharedInfo2 := ecies.SharedInfo2ForApplication([]byte(version.ApplicationSecret))
	return ecies.NewDecryptor(masterKey, ecies.ActivationLayer2, sharedInfo2), nil
}

func decryptLayer2Request(decryptor *ecies.Decryptor, cryptogram ecies.Cryptogram) (ActivationLayer2Request, error) {
	var layer2 ActivationLayer2Request
	plaintext, err := decryptor.DecryptRequest(cryptogram)
	if nil != err {
		return layer2, failCause(err, ErrDecryptionFailed, "failed layer-2 decryption")
	}
	err = json.Unmarshal(plaintext, &layer2)
	if nil != err {
		return layer2, failCause(err, ErrInvalidInputFormat, "failed layer-2 parsing")
	}
	return layer2, nil
}

func encryptLayer2Response(decryptor *ecies.Decryptor, activation *store.Activation, recovery *ActivationRecovery) (ecies.Cryptogram, error) {
	payload, err := json.Marshal(ActivationLayer2Response{
		ActivationID:       activation.ActivationID,
		CtrData:            activation.CtrData,
		ServerPublicKey:    activation.ServerPublicKey,
		ActivationRecovery: recovery,
	})
	if nil != err {
		return ecies.Cryptogram{}, failCause(err, ErrUnknown, "failed layer-2 response marshaling")
	}
	cryptogram, err := decryptor.EncryptResponse(payload)
	if nil != err {
		return ecies.Cryptogram{}, failCause(err, ErrDecryptionFailed, "failed layer-2 response encryption")
	}
	return cryptogram, nil
}

func activationListItem(activation *store.Activation) ActivationListItem {
	return ActivationListItem{
		ActivationID:   activation.ActivationID,
		Status:         activation.Status,
		BlockedReason:  activation.BlockedReason,
		ActivationName: activation.ActivationName,
		Extras:         activation.Extras,
		UserID:         activation.UserID,
		ApplicationID:  activation.ApplicationID,
		CreatedAt:      activation.CreatedAt,
		LastUsedAt:     activation.LastUsedAt,
		LastChangedAt:  activation.LastChangedAt,
		Version:        activation.Version,
	}
}

// serverPrivateKeyOf decrypts the activation server private key through the
// key-at-rest codec.
func (self *Service) serverPrivateKeyOf(activation *store.Activation) (*ecdh.PrivateKey, error) {
	raw, err := self.codec.Decrypt(
		activation.ServerPrivateKeyEncryption,
		activation.ServerPrivateKey,
		activation.UserID,
		activation.ActivationID,
	)
	if nil != err {
		return nil, failCause(err, ErrGenericCryptography, "failed server key decryption")
	}
	key, err := crypto.PrivateKeyFromBytes(raw)
	if nil != err {
		return nil, failCause(err, ErrInvalidKeyFormat, "failed server key parsing")
	}
	return key, nil
}

// transportKeyOf derives the long lived transport key of a paired
// activation from the server private and device public keys.
func (self *Service) transportKeyOf(activation *store.Activation) ([]byte, *ecdh.PrivateKey, error) {
	serverKey, err := self.serverPrivateKeyOf(activation)
	if nil != err {
		return nil, nil, err
	}
	deviceKey, err := crypto.PublicKeyFromBytes(activation.DevicePublicKey)
	if nil != err {
		return nil, nil, failCause(err, ErrInvalidKeyFormat, "failed device key parsing")
	}
	z, err := crypto.ComputeSharedSecret(serverKey, deviceKey)
	if nil != err {
		return nil, nil, failCause(err, ErrGenericCryptography, "failed ECDH")
	}
	return crypto.DeriveSecretKey(z, crypto.LabelTransport), serverKey, nil
}

// sharedSecretOf derives the raw ECDH shared secret of a paired activation.
func (self *Service) sharedSecretOf(activation *store.Activation) ([]byte, error) {
	serverKey, err := self.serverPrivateKeyOf(activation)
	if nil != err {
		return nil, err
	}
	deviceKey, err := crypto.PublicKeyFromBytes(activation.DevicePublicKey)
	if nil != err {
		return nil, failCause(err, ErrInvalidKeyFormat, "failed device key parsing")
	}
	z, err := crypto.ComputeSharedSecret(serverKey, deviceKey)
	if nil != err {
		return nil, failCause(err, ErrGenericCryptography, "failed ECDH")
	}
	return z, nil
}
