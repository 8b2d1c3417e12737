package service

import (
	"context"
	"encoding/base64"
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/store"
)

// ApplicationDetail aggregates an application with its versions and the
// current master public key.
type ApplicationDetail struct {
	Application     store.Application          `json:"application"`
	MasterPublicKey []byte                     `json:"masterPublicKey"`
	Versions        []store.ApplicationVersion `json:"versions"`
}

// CreateApplication registers an application together with its first
// version and master key pair, so it is immediately usable.
func (self *Service) CreateApplication(ctx context.Context, name string, roles []string) (ApplicationDetail, error) {
	var rv ApplicationDetail
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		if "" == name {
			return fail(ErrInvalidRequest, "application name is empty")
		}
		application := store.Application{Name: name, Roles: roles}
		err := tx.SaveApplication(&application)
		if nil != err {
			return failCause(err, ErrUnknown, "failed saving application")
		}

		masterKey, err := crypto.GenerateKeyPair()
		if nil != err {
			return failCause(err, ErrGenericCryptography, "failed master key generation")
		}
		pair := store.MasterKeyPair{
			ApplicationID:    application.ID,
			MasterPrivateKey: crypto.PrivateKeyBytes(masterKey),
			MasterPublicKey:  crypto.PublicKeyBytes(masterKey.PublicKey()),
			CreatedAt:        time.Now(),
		}
		err = tx.SaveMasterKeyPair(&pair)
		if nil != err {
			return failCause(err, ErrUnknown, "failed saving master key pair")
		}

		version, err := self.newApplicationVersion(tx, application.ID, "default")
		if nil != err {
			return err
		}

		rv = ApplicationDetail{
			Application:     application,
			MasterPublicKey: pair.MasterPublicKey,
			Versions:        []store.ApplicationVersion{version},
		}
		return nil
	})
	if nil != err {
		return ApplicationDetail{}, err
	}
	return rv, nil
}

// GetApplicationList lists all registered applications.
func (self *Service) GetApplicationList(ctx context.Context) ([]store.Application, error) {
	var rv []store.Application
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		applications, err := tx.ListApplications()
		if nil != err {
			return failCause(err, ErrUnknown, "failed application listing")
		}
		rv = applications
		return nil
	})
	return rv, err
}

// GetApplicationDetail returns one application with versions and master
// public key.
func (self *Service) GetApplicationDetail(ctx context.Context, applicationId int64) (ApplicationDetail, error) {
	var rv ApplicationDetail
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		err := tx.LoadApplication(applicationId, &rv.Application)
		if nil != err {
			return failCause(err, ErrNoApplicationId, "unknown application %d", applicationId)
		}
		var pair store.MasterKeyPair
		err = tx.LoadLatestMasterKeyPair(applicationId, &pair)
		if nil != err {
			return failCause(err, ErrNoMasterKeyPair, "no master key pair for application %d", applicationId)
		}
		rv.MasterPublicKey = pair.MasterPublicKey
		rv.Versions, err = tx.ListApplicationVersions(applicationId)
		return failCause(err, ErrUnknown, "failed version listing") // nil if err is nil
	})
	if nil != err {
		return ApplicationDetail{}, err
	}
	return rv, nil
}

// CreateApplicationVersion adds a version with fresh key material to an
// application.
func (self *Service) CreateApplicationVersion(ctx context.Context, applicationId int64, name string) (store.ApplicationVersion, error) {
	var rv store.ApplicationVersion
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		var application store.Application
		err := tx.LoadApplication(applicationId, &application)
		if nil != err {
			return failCause(err, ErrNoApplicationId, "unknown application %d", applicationId)
		}
		rv, err = self.newApplicationVersion(tx, applicationId, name)
		return err
	})
	if nil != err {
		return store.ApplicationVersion{}, err
	}
	return rv, nil
}

// SupportApplicationVersion re-enables a version.
func (self *Service) SupportApplicationVersion(ctx context.Context, applicationKey string) error {
	return self.setVersionSupport(ctx, applicationKey, true)
}

// UnsupportApplicationVersion disables a version; envelopes addressed to it
// stop being accepted.
func (self *Service) UnsupportApplicationVersion(ctx context.Context, applicationKey string) error {
	return self.setVersionSupport(ctx, applicationKey, false)
}

func (self *Service) setVersionSupport(ctx context.Context, applicationKey string, supported bool) error {
	return self.store.InTx(ctx, func(tx store.Tx) error {
		var version store.ApplicationVersion
		err := tx.LoadVersionByApplicationKey(applicationKey, &version)
		if nil != err {
			return failCause(err, ErrInvalidApplication, "unknown application key")
		}
		version.Supported = supported
		err = tx.SaveApplicationVersion(&version)
		return failCause(err, ErrUnknown, "failed saving application version") // nil if err is nil
	})
}

// newApplicationVersion generates key material for a version: the
// application key identifies the version on the wire, the application
// secret feeds the ECIES sharedInfo2 binding.
func (self *Service) newApplicationVersion(tx store.Tx, applicationId int64, name string) (store.ApplicationVersion, error) {
	appKey, err := crypto.RandomBytes(16)
	if nil != err {
		return store.ApplicationVersion{}, failCause(err, ErrGenericCryptography, "failed application key generation")
	}
	appSecret, err := crypto.RandomBytes(16)
	if nil != err {
		return store.ApplicationVersion{}, failCause(err, ErrGenericCryptography, "failed application secret generation")
	}
	version := store.ApplicationVersion{
		ApplicationID:     applicationId,
		Name:              name,
		ApplicationKey:    base64.StdEncoding.EncodeToString(appKey),
		ApplicationSecret: base64.StdEncoding.EncodeToString(appSecret),
		Supported:         true,
	}
	err = tx.SaveApplicationVersion(&version)
	if nil != err {
		return store.ApplicationVersion{}, failCause(err, ErrUnknown, "failed saving application version")
	}
	return version, nil
}
