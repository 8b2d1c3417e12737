// Package service implements the activation server domain logic: the
// activation lifecycle state machine, recovery codes, token issuance,
// status blobs, signature verification and the management surface consumed
// by the RPC facade.
package service

import (
	"context"
	"time"

	"code.activault.org/server/pkg/keyvault"
	"code.activault.org/server/pkg/store"
)

// Config carries the tunables of the domain service.
type Config struct {
	// Bounded retry counts for rejection sampling of generated identifiers.
	ActivationIdIterations   int
	ActivationCodeIterations int
	TokenIdIterations        int
	RecoveryCodeIterations   int

	// DefaultMaxFailedAttempts applies when init gets no explicit count.
	DefaultMaxFailedAttempts uint64

	// RecoveryMaxFailedAttempts throttles PUK guessing per recovery code.
	RecoveryMaxFailedAttempts uint64

	// SignatureValidationLookahead bounds the hash based counter window
	// searched during signature verification.
	SignatureValidationLookahead int

	// ActivationValidityBeforeActive is how long a CREATED/OTP_USED
	// activation stays completable.
	ActivationValidityBeforeActive time.Duration
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		ActivationIdIterations:         10,
		ActivationCodeIterations:       10,
		TokenIdIterations:              10,
		RecoveryCodeIterations:         10,
		DefaultMaxFailedAttempts:       5,
		RecoveryMaxFailedAttempts:      10,
		SignatureValidationLookahead:   20,
		ActivationValidityBeforeActive: 2 * time.Minute,
	}
}

// Check returns an error if the Config has out of range values.
func (self Config) Check() error {
	if self.ActivationIdIterations <= 0 || self.ActivationCodeIterations <= 0 ||
		self.TokenIdIterations <= 0 || self.RecoveryCodeIterations <= 0 {
		return fail(ErrInvalidRequest, "iteration bounds must be positive")
	}
	if 0 == self.DefaultMaxFailedAttempts || 0 == self.RecoveryMaxFailedAttempts {
		return fail(ErrInvalidRequest, "max failed attempts must be positive")
	}
	if self.SignatureValidationLookahead <= 0 {
		return fail(ErrInvalidRequest, "lookahead must be positive")
	}
	if self.ActivationValidityBeforeActive <= 0 {
		return fail(ErrInvalidRequest, "activation validity must be positive")
	}
	return nil
}

// Notifier delivers activation change events to the callback URLs
// subscribed for the application. Delivery is fire and forget: it happens
// after the transaction committed and failures never surface to the caller.
type Notifier interface {
	Notify(ctx context.Context, callbacks []store.CallbackUrl, activation store.Activation)
}

// NoopNotifier discards all events.
type NoopNotifier struct{}

// Notify implements Notifier.
func (self NoopNotifier) Notify(context.Context, []store.CallbackUrl, store.Activation) {}

// Service is the domain service. All exported methods are safe for
// concurrent use; persistence level locking serializes conflicting calls.
type Service struct {
	store    store.Store
	codec    *keyvault.Codec
	notifier Notifier
	cfg      Config
}

// New assembles a Service. notifier may be nil, in which case events are
// discarded.
func New(st store.Store, codec *keyvault.Codec, notifier Notifier, cfg Config) (*Service, error) {
	if nil == st {
		return nil, fail(ErrInvalidRequest, "nil store")
	}
	if nil == codec {
		return nil, fail(ErrInvalidRequest, "nil keyvault codec")
	}
	err := cfg.Check()
	if nil != err {
		return nil, err
	}
	if nil == notifier {
		notifier = NoopNotifier{}
	}
	return &Service{store: st, codec: codec, notifier: notifier, cfg: cfg}, nil
}

// SystemStatusResponse is the getSystemStatus payload.
type SystemStatusResponse struct {
	Status          string    `json:"status"`
	ApplicationName string    `json:"applicationName"`
	Timestamp       time.Time `json:"timestamp"`
}

// GetSystemStatus reports service liveness.
func (self *Service) GetSystemStatus(ctx context.Context) SystemStatusResponse {
	return SystemStatusResponse{
		Status:          "OK",
		ApplicationName: "activault-server",
		Timestamp:       time.Now(),
	}
}

// GetErrorCodeList returns the boundary error taxonomy.
func (self *Service) GetErrorCodeList(ctx context.Context) []string {
	return ErrorCodeList()
}

// notifyCallbacks loads the application callback subscriptions inside tx and
// returns a closure delivering the event after commit. The closure is a
// no-op when the application has no subscriptions.
func (self *Service) notifyCallbacks(tx store.Tx, activation store.Activation) func(ctx context.Context) {
	callbacks, err := tx.ListCallbackUrls(activation.ApplicationID)
	if nil != err || 0 == len(callbacks) {
		return func(context.Context) {}
	}
	return func(ctx context.Context) {
		self.notifier.Notify(ctx, callbacks, activation)
	}
}

// pending aggregates post-commit notification closures of one handler.
type pending struct {
	notifications []func(ctx context.Context)
}

func (self *pending) add(fn func(ctx context.Context)) {
	self.notifications = append(self.notifications, fn)
}

func (self *pending) deliver(ctx context.Context) {
	for _, fn := range self.notifications {
		fn(ctx)
	}
}
