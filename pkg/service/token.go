package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/ecies"
	"code.activault.org/server/pkg/store"
)

// CreateTokenRequest asks for a new authentication token for an ACTIVE
// activation. The empty JSON payload travels ECIES encrypted.
type CreateTokenRequest struct {
	ActivationID   string
	ApplicationKey string
	SignatureType  crypto.SignatureType
	Cryptogram     ecies.Cryptogram
}

// TokenInfo is the layer-2 payload of the create token response.
type TokenInfo struct {
	TokenID     string `json:"tokenId"`
	TokenSecret []byte `json:"tokenSecret"`
}

// ValidateTokenRequest carries token authentication credentials.
type ValidateTokenRequest struct {
	TokenID         string
	Nonce           []byte
	TimestampMillis int64
	Digest          []byte
}

// ValidateTokenResponse reports the validation outcome. The identity fields
// are only filled when the token is valid.
type ValidateTokenResponse struct {
	Valid         bool                 `json:"tokenValid"`
	ActivationID  string               `json:"activationId,omitempty"`
	ApplicationID int64                `json:"applicationId,omitempty"`
	UserID        string               `json:"userId,omitempty"`
	SignatureType crypto.SignatureType `json:"signatureType,omitempty"`
}

// CreateToken issues an (id, secret) token pair for an ACTIVE activation and
// returns it ECIES encrypted under the create-token scope.
func (self *Service) CreateToken(ctx context.Context, req CreateTokenRequest) (ecies.Cryptogram, error) {
	var rv ecies.Cryptogram
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var activation store.Activation
		err := tx.LoadActivation(req.ActivationID, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", req.ActivationID)
		}
		if store.ActivationActive != activation.Status {
			return fail(ErrActivationIncorrectState, "activation is not ACTIVE")
		}

		version, err := self.loadSupportedVersion(tx, req.ApplicationKey, ErrInvalidApplication)
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
		decryptor := ecies.NewDecryptor(serverKey, ecies.CreateToken, sharedInfo2)

		// canonical request payload is "{}": empty plaintext means tampering
		plaintext, err := decryptor.DecryptRequest(req.Cryptogram)
		if nil != err {
			return failCause(err, ErrDecryptionFailed, "failed token request decryption")
		}
		if 0 == len(plaintext) {
			return fail(ErrDecryptionFailed, "empty token request payload")
		}

		// rejection sampling of the token identifier
		var tokenId string
		for i := 0; i < self.cfg.TokenIdIterations; i++ {
			candidate, err := crypto.GenerateTokenId()
			if nil != err {
				return failCause(err, ErrGenericCryptography, "failed token id generation")
			}
			var existing store.Token
			err = tx.LoadToken(candidate, &existing)
			if nil != err {
				if errors.Is(err, store.ErrNotFound) {
					tokenId = candidate
					break
				}
				return failCause(err, ErrUnknown, "failed token uniqueness check")
			}
		}
		if "" == tokenId {
			return fail(ErrUnableToGenerateToken, "exhausted token id generation attempts")
		}

		secret, err := crypto.GenerateTokenSecret()
		if nil != err {
			return failCause(err, ErrGenericCryptography, "failed token secret generation")
		}
		token := store.Token{
			TokenID:              tokenId,
			TokenSecret:          secret,
			ActivationID:         activation.ActivationID,
			SignatureTypeCreated: req.SignatureType,
			CreatedAt:            time.Now(),
		}
		err = tx.SaveToken(&token)
		if nil != err {
			return failCause(err, ErrUnknown, "failed saving token")
		}

		payload, err := json.Marshal(TokenInfo{TokenID: tokenId, TokenSecret: secret})
		if nil != err {
			return failCause(err, ErrUnknown, "failed token response marshaling")
		}
		rv, err = decryptor.EncryptResponse(payload)
		if nil != err {
			return failCause(err, ErrDecryptionFailed, "failed token response encryption")
		}
		return nil
	})
	if nil != err {
		return ecies.Cryptogram{}, err
	}
	return rv, nil
}

// ValidateToken verifies a token digest over (nonce, timestamp). An unknown
// token yields {valid: false} without error; a token whose activation left
// the ACTIVE state is an error.
func (self *Service) ValidateToken(ctx context.Context, req ValidateTokenRequest) (ValidateTokenResponse, error) {
	var rv ValidateTokenResponse
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var token store.Token
		err := tx.LoadToken(req.TokenID, &token)
		if nil != err {
			if errors.Is(err, store.ErrNotFound) {
				rv = ValidateTokenResponse{Valid: false}
				return nil
			}
			return failCause(err, ErrUnknown, "failed token loading")
		}

		var activation store.Activation
		err = tx.LoadActivation(token.ActivationID, &activation)
		if nil != err {
			return failCause(err, ErrActivationNotFound, "unknown activation %s", token.ActivationID)
		}
		if store.ActivationActive != activation.Status {
			return fail(ErrActivationIncorrectState, "activation is not ACTIVE")
		}

		if !crypto.ValidateTokenDigest(token.TokenSecret, req.Nonce, req.TimestampMillis, req.Digest) {
			rv = ValidateTokenResponse{Valid: false}
			return nil
		}
		rv = ValidateTokenResponse{
			Valid:         true,
			ActivationID:  activation.ActivationID,
			ApplicationID: activation.ApplicationID,
			UserID:        activation.UserID,
			SignatureType: token.SignatureTypeCreated,
		}
		return nil
	})
	if nil != err {
		return ValidateTokenResponse{}, err
	}
	return rv, nil
}

// RemoveToken deletes a token when it belongs to the given activation.
// It reports whether a token was removed; removal is idempotent.
func (self *Service) RemoveToken(ctx context.Context, tokenId, activationId string) (bool, error) {
	var removed bool
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var token store.Token
		err := tx.LoadToken(tokenId, &token)
		if nil != err {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return failCause(err, ErrUnknown, "failed token loading")
		}
		if token.ActivationID != activationId {
			return nil
		}
		err = tx.DeleteToken(tokenId)
		if nil != err {
			return failCause(err, ErrUnknown, "failed token removal")
		}
		removed = true
		return nil
	})
	if nil != err {
		return false, err
	}
	return removed, nil
}
