package service

import (
	"context"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/ecies"
	"code.activault.org/server/pkg/store"
)

// EciesDecryptorRequest asks for derived decryptor material so that an
// intermediate trust-separation server can open generic scope envelopes
// without ever holding a static private key.
type EciesDecryptorRequest struct {
	ApplicationKey     string
	ActivationID       string // empty selects application scope
	EphemeralPublicKey []byte
}

// EciesDecryptorResponse carries the derived envelope key and the scope MAC
// binding. The envelope key is bound to the request ephemeral key, so the
// intermediate server can not replay it against another session.
type EciesDecryptorResponse struct {
	SecretKey   []byte `json:"secretKey"`
	SharedInfo2 []byte `json:"sharedInfo2"`
}

// GetEciesDecryptor derives mediator decryptor parameters for the generic
// application or activation scope.
func (self *Service) GetEciesDecryptor(ctx context.Context, req EciesDecryptorRequest) (EciesDecryptorResponse, error) {
	if "" == req.ApplicationKey || 0 == len(req.EphemeralPublicKey) {
		return EciesDecryptorResponse{}, fail(ErrDecryptionFailed, "invalid decryptor request")
	}
	if "" == req.ActivationID {
		return self.eciesDecryptorForApplication(ctx, req)
	}
	return self.eciesDecryptorForActivation(ctx, req)
}

// eciesDecryptorForApplication derives the application generic scope
// parameters from the master private key.
func (self *Service) eciesDecryptorForApplication(ctx context.Context, req EciesDecryptorRequest) (EciesDecryptorResponse, error) {
	var rv EciesDecryptorResponse
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		version, err := self.loadSupportedVersion(tx, req.ApplicationKey, ErrInvalidApplication)
		if nil != err {
			return err
		}
		var masterPair store.MasterKeyPair
		err = tx.LoadLatestMasterKeyPair(version.ApplicationID, &masterPair)
		if nil != err {
			return failCause(err, ErrNoMasterKeyPair, "no master key pair for application %d", version.ApplicationID)
		}
		masterKey, err := crypto.PrivateKeyFromBytes(masterPair.MasterPrivateKey)
		if nil != err {
			return failCause(err, ErrIncorrectMasterKeyPair, "failed master private key parsing")
		}

		envelopeKey, err := ecies.DeriveEnvelopeKey(masterKey, req.EphemeralPublicKey, ecies.ApplicationScopeGeneric)
		if nil != err {
			return failCause(err, ErrDecryptionFailed, "failed envelope key derivation")
		}
		rv = EciesDecryptorResponse{
			SecretKey:   envelopeKey.SecretKey(),
			SharedInfo2: ecies.SharedInfo2ForApplication([]byte(version.ApplicationSecret)),
		}
		return nil
	})
	if nil != err {
		return EciesDecryptorResponse{}, err
	}
	return rv, nil
}

// eciesDecryptorForActivation derives the activation generic scope
// parameters from the activation server key and transport key.
func (self *Service) eciesDecryptorForActivation(ctx context.Context, req EciesDecryptorRequest) (EciesDecryptorResponse, error) {
	var rv EciesDecryptorResponse
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
		envelopeKey, err := ecies.DeriveEnvelopeKey(serverKey, req.EphemeralPublicKey, ecies.ActivationScopeGeneric)
		if nil != err {
			return failCause(err, ErrDecryptionFailed, "failed envelope key derivation")
		}
		rv = EciesDecryptorResponse{
			SecretKey:   envelopeKey.SecretKey(),
			SharedInfo2: ecies.SharedInfo2ForActivation([]byte(version.ApplicationSecret), transportKey),
		}
		return nil
	})
	if nil != err {
		return EciesDecryptorResponse{}, err
	}
	return rv, nil
}
