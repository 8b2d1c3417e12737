package service

import (
	"context"
	"errors"
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/store"
)

// Status blob layout: 23 plaintext bytes before CBC padding.
//
//	byte 0      status code
//	byte 1      current version
//	byte 2      upgrade version
//	byte 3      failed attempts
//	byte 4      max failed attempts
//	byte 5      counter lookahead
//	byte 6      counter info (legacy counter LSB)
//	bytes 7..22 counter data hash (16 bytes) or random fill
const statusBlobLen = 23

// GetActivationStatusRequest asks for the encrypted status of an activation.
// Challenge enables the protocol V3.1 IV derivation.
type GetActivationStatusRequest struct {
	ActivationID string
	Challenge    []byte
}

// GetActivationStatusResponse is the status answer delivered to the device
// through the master back-end.
type GetActivationStatusResponse struct {
	ActivationID        string                 `json:"activationId"`
	Status              store.ActivationStatus `json:"activationStatus"`
	BlockedReason       string                 `json:"blockedReason,omitempty"`
	ActivationName      string                 `json:"activationName,omitempty"`
	UserID              string                 `json:"userId"`
	Extras              string                 `json:"extras,omitempty"`
	ApplicationID       int64                  `json:"applicationId"`
	CreatedAt           time.Time              `json:"timestampCreated"`
	LastUsedAt          time.Time              `json:"timestampLastUsed"`
	LastChangedAt       time.Time              `json:"timestampLastChange,omitempty"`
	EncryptedStatusBlob []byte                 `json:"encryptedStatusBlob"`
	StatusBlobNonce     []byte                 `json:"encryptedStatusBlobNonce,omitempty"`
	ActivationCode      string                 `json:"activationCode,omitempty"`
	ActivationSignature []byte                 `json:"activationSignature,omitempty"`
	DeviceFingerprint   string                 `json:"devicePublicKeyFingerprint,omitempty"`
	Version             byte                   `json:"version"`
}

// GetActivationStatus returns the activation state packed into an encrypted
// status blob. Absent activations answer a synthetic REMOVED response with a
// random blob, indistinguishable from a real one.
func (self *Service) GetActivationStatus(ctx context.Context, req GetActivationStatusRequest) (GetActivationStatusResponse, error) {
	var rv GetActivationStatusResponse
	var post pending
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivation(req.ActivationID, &activation)
		if nil != err {
			if !errors.Is(err, store.ErrNotFound) {
				return failCause(err, ErrUnknown, "failed activation loading")
			}
			rv, err = syntheticRemovedStatus(req.ActivationID, req.Challenge)
			return err
		}

		_, err = self.deactivatePending(tx, &post, &activation, false)
		if nil != err {
			return err
		}

		if store.ActivationCreated == activation.Status {
			rv, err = self.createdStatus(tx, &activation, req.Challenge)
			return err
		}
		rv, err = self.pairedStatus(&activation, req.Challenge)
		return err
	})
	if nil != err {
		return GetActivationStatusResponse{}, err
	}
	post.deliver(ctx)
	return rv, nil
}

// syntheticRemovedStatus fabricates a REMOVED response for an activation
// that does not exist.
func syntheticRemovedStatus(activationId string, challenge []byte) (GetActivationStatusResponse, error) {
	blob, err := crypto.RandomBytes(32)
	if nil != err {
		return GetActivationStatusResponse{}, failCause(err, ErrGenericCryptography, "failed random blob generation")
	}
	nonce, err := statusNonce(challenge)
	if nil != err {
		return GetActivationStatusResponse{}, err
	}
	return GetActivationStatusResponse{
		ActivationID:        activationId,
		Status:              store.ActivationRemoved,
		ActivationName:      "unknown",
		UserID:              "unknown",
		EncryptedStatusBlob: blob,
		StatusBlobNonce:     nonce,
	}, nil
}

// createdStatus answers for an activation still waiting for its device: the
// keys are not exchanged yet, so the blob is random and the activation code
// plus its master key signature ride along to let the device pair.
func (self *Service) createdStatus(tx store.Tx, activation *store.Activation, challenge []byte) (GetActivationStatusResponse, error) {
	blob, err := crypto.RandomBytes(32)
	if nil != err {
		return GetActivationStatusResponse{}, failCause(err, ErrGenericCryptography, "failed random blob generation")
	}
	nonce, err := statusNonce(challenge)
	if nil != err {
		return GetActivationStatusResponse{}, err
	}

	var masterPair store.MasterKeyPair
	err = tx.LoadLatestMasterKeyPair(activation.ApplicationID, &masterPair)
	if nil != err {
		return GetActivationStatusResponse{}, failCause(err, ErrNoMasterKeyPair, "no master key pair for application %d", activation.ApplicationID)
	}
	masterKey, err := crypto.PrivateKeyFromBytes(masterPair.MasterPrivateKey)
	if nil != err {
		return GetActivationStatusResponse{}, failCause(err, ErrIncorrectMasterKeyPair, "failed master private key parsing")
	}
	signature, err := crypto.SignECDSA(masterKey, []byte(activation.ActivationCode))
	if nil != err {
		return GetActivationStatusResponse{}, failCause(err, ErrGenericCryptography, "failed activation code signing")
	}

	rv := statusResponseOf(activation)
	rv.EncryptedStatusBlob = blob
	rv.StatusBlobNonce = nonce
	rv.ActivationCode = activation.ActivationCode
	rv.ActivationSignature = signature
	return rv, nil
}

// pairedStatus builds and encrypts the real status blob under the
// activation transport key.
func (self *Service) pairedStatus(activation *store.Activation, challenge []byte) (GetActivationStatusResponse, error) {
	rv := statusResponseOf(activation)

	// activations removed straight from CREATED have no device key; their
	// status blob stays random
	if 0 == len(activation.DevicePublicKey) {
		blob, err := crypto.RandomBytes(32)
		if nil != err {
			return GetActivationStatusResponse{}, failCause(err, ErrGenericCryptography, "failed random blob generation")
		}
		rv.EncryptedStatusBlob = blob
		return rv, nil
	}

	transportKey, serverKey, err := self.transportKeyOf(activation)
	if nil != err {
		return GetActivationStatusResponse{}, err
	}

	var ctrDataHash []byte
	if len(activation.CtrData) > 0 {
		ctrDataHash = crypto.CtrDataHash(transportKey, activation.CtrData)
	} else {
		// protocol v2 records have no counter data
		ctrDataHash = make([]byte, crypto.CtrDataLen)
	}

	blob := make([]byte, 0, statusBlobLen)
	blob = append(blob,
		byte(activation.Status),
		activation.Version,
		protocolVersion,
		byte(activation.FailedAttempts),
		byte(activation.MaxFailedAttempts),
		byte(self.cfg.SignatureValidationLookahead),
		byte(activation.Counter),
	)
	blob = append(blob, ctrDataHash...)

	nonce, err := statusNonce(challenge)
	if nil != err {
		return GetActivationStatusResponse{}, err
	}
	iv := statusBlobIV(transportKey, challenge, nonce)
	encrypted, err := crypto.EncryptCBC(transportKey, iv, blob)
	if nil != err {
		return GetActivationStatusResponse{}, failCause(err, ErrGenericCryptography, "failed status blob encryption")
	}
	rv.EncryptedStatusBlob = encrypted
	rv.StatusBlobNonce = nonce

	deviceKey, err := crypto.PublicKeyFromBytes(activation.DevicePublicKey)
	if nil != err {
		return GetActivationStatusResponse{}, failCause(err, ErrInvalidKeyFormat, "failed device key parsing")
	}
	switch activation.Version {
	case 2:
		rv.DeviceFingerprint = crypto.ComputeFingerprintV2(deviceKey)
	case 3:
		serverPub := serverKey.PublicKey()
		rv.DeviceFingerprint = crypto.ComputeFingerprintV3(deviceKey, serverPub, activation.ActivationID)
	default:
		return GetActivationStatusResponse{}, fail(ErrActivationIncorrectState, "unsupported activation version %d", activation.Version)
	}

	return rv, nil
}

// statusNonce generates the response nonce when the client sent a V3.1
// challenge, and nothing otherwise.
func statusNonce(challenge []byte) ([]byte, error) {
	if 0 == len(challenge) {
		return nil, nil
	}
	nonce, err := crypto.RandomBytes(16)
	return nonce, failCause(err, ErrGenericCryptography, "failed nonce generation") // nil if err is nil
}

// statusBlobIV derives the blob IV from challenge ∥ nonce under the
// transport key (V3.1), or the zero IV for older clients.
func statusBlobIV(transportKey, challenge, nonce []byte) []byte {
	if 0 == len(challenge) {
		return make([]byte, 16)
	}
	seed := append(append([]byte{}, challenge...), nonce...)
	return crypto.HMACSHA256(transportKey, seed)[:16]
}

func statusResponseOf(activation *store.Activation) GetActivationStatusResponse {
	return GetActivationStatusResponse{
		ActivationID:   activation.ActivationID,
		Status:         activation.Status,
		BlockedReason:  activation.BlockedReason,
		ActivationName: activation.ActivationName,
		UserID:         activation.UserID,
		Extras:         activation.Extras,
		ApplicationID:  activation.ApplicationID,
		CreatedAt:      activation.CreatedAt,
		LastUsedAt:     activation.LastUsedAt,
		LastChangedAt:  activation.LastChangedAt,
		Version:        activation.Version,
	}
}
