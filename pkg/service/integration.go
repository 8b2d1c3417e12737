package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"code.activault.org/server/pkg/store"
)

// CreateIntegration registers a server side consumer and returns its
// credential pair. The secret is only shown at creation time by convention;
// the store keeps it for request authentication by the RPC layer.
func (self *Service) CreateIntegration(ctx context.Context, name string) (store.Integration, error) {
	if "" == name {
		return store.Integration{}, fail(ErrInvalidRequest, "integration name is empty")
	}
	integration := store.Integration{
		ID:           uuid.NewString(),
		Name:         name,
		ClientToken:  uuid.NewString(),
		ClientSecret: uuid.NewString(),
	}
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		err := tx.SaveIntegration(&integration)
		return failCause(err, ErrUnknown, "failed saving integration") // nil if err is nil
	})
	if nil != err {
		return store.Integration{}, err
	}
	return integration, nil
}

// GetIntegrationList lists registered integrations.
func (self *Service) GetIntegrationList(ctx context.Context) ([]store.Integration, error) {
	var rv []store.Integration
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		integrations, err := tx.ListIntegrations()
		if nil != err {
			return failCause(err, ErrUnknown, "failed integration listing")
		}
		rv = integrations
		return nil
	})
	return rv, err
}

// RemoveIntegration deletes an integration. It reports whether one was
// removed.
func (self *Service) RemoveIntegration(ctx context.Context, integrationId string) (bool, error) {
	var removed bool
	err := self.store.InTx(ctx, func(tx store.Tx) error {
		err := tx.DeleteIntegration(integrationId)
		if nil != err {
			if errors.Is(err, store.ErrNotFound) {
				return nil // idempotent removal
			}
			return failCause(err, ErrUnknown, "failed integration removal")
		}
		removed = true
		return nil
	})
	if nil != err {
		return false, err
	}
	return removed, nil
}
