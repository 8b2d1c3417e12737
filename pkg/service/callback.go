package service

import (
	"context"
	"errors"
	"net/url"

	"github.com/google/uuid"

	"code.activault.org/server/pkg/store"
)

// CreateCallbackUrl subscribes an HTTP endpoint to activation changes of an
// application. attributes selects which activation fields the payload
// carries; the activation id is always included.
func (self *Service) CreateCallbackUrl(ctx context.Context, applicationId int64, name, rawUrl string, attributes []string) (store.CallbackUrl, error) {
	err := checkCallbackUrl(rawUrl)
	if nil != err {
		return store.CallbackUrl{}, err
	}
	callback := store.CallbackUrl{
		ID:            uuid.NewString(),
		ApplicationID: applicationId,
		Name:          name,
		URL:           rawUrl,
		Attributes:    attributes,
	}
	err = self.store.InTx(ctx, func(tx store.Tx) error {
		err := tx.SaveCallbackUrl(&callback)
		return failCause(err, ErrUnknown, "failed saving callback url") // nil if err is nil
	})
	if nil != err {
		return store.CallbackUrl{}, err
	}
	return callback, nil
}

// UpdateCallbackUrl updates the name, URL and attributes of a subscription.
func (self *Service) UpdateCallbackUrl(ctx context.Context, callbackId, name, rawUrl string, attributes []string) (store.CallbackUrl, error) {
	if "" == callbackId {
		return store.CallbackUrl{}, fail(ErrInvalidRequest, "missing callback id")
	}
	err := checkCallbackUrl(rawUrl)
	if nil != err {
		return store.CallbackUrl{}, err
	}
	var callback store.CallbackUrl
	err = self.store.InTx(ctx, func(tx store.Tx) error {
		err := tx.LoadCallbackUrl(callbackId, &callback)
		if nil != err {
			return failCause(err, ErrInvalidRequest, "unknown callback id")
		}
		callback.Name = name
		callback.URL = rawUrl
		callback.Attributes = attributes
		err = tx.SaveCallbackUrl(&callback)
		return failCause(err, ErrUnknown, "failed saving callback url") // nil if err is nil
	})
	if nil != err {
		return store.CallbackUrl{}, err
	}
	return callback, nil
}

// GetCallbackUrlList lists the subscriptions of an application ordered by
// name.
func (self *Service) GetCallbackUrlList(ctx context.Context, applicationId int64) ([]store.CallbackUrl, error) {
	var rv []store.CallbackUrl
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		callbacks, err := tx.ListCallbackUrls(applicationId)
		if nil != err {
			return failCause(err, ErrUnknown, "failed callback listing")
		}
		rv = callbacks
		return nil
	})
	return rv, err
}

// RemoveCallbackUrl deletes a subscription. It reports whether a
// subscription was removed.
func (self *Service) RemoveCallbackUrl(ctx context.Context, callbackId string) (bool, error) {
	var removed bool
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		err := tx.DeleteCallbackUrl(callbackId)
		if nil != err {
			if errors.Is(err, store.ErrNotFound) {
				return nil // idempotent removal
			}
			return failCause(err, ErrUnknown, "failed callback removal")
		}
		removed = true
		return nil
	})
	if nil != err {
		return false, err
	}
	return removed, nil
}

func checkCallbackUrl(rawUrl string) error {
	parsed, err := url.Parse(rawUrl)
	if nil != err || "" == parsed.Scheme || "" == parsed.Host {
		return fail(ErrInvalidUrlFormat, "invalid callback url")
	}
	return nil
}
