// Package store defines the persistent entities of the activation server and
// the repository interface giving transactional access to them.
package store

import (
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/keyvault"
)

// ActivationStatus enumerates the activation lifecycle states.
// The byte values are part of the status blob wire contract.
type ActivationStatus byte

const (
	ActivationCreated = ActivationStatus(1)
	ActivationOtpUsed = ActivationStatus(2)
	ActivationActive  = ActivationStatus(3)
	ActivationBlocked = ActivationStatus(4)
	ActivationRemoved = ActivationStatus(5)
)

// String returns the symbolic name of the status.
func (self ActivationStatus) String() string {
	switch self {
	case ActivationCreated:
		return "CREATED"
	case ActivationOtpUsed:
		return "OTP_USED"
	case ActivationActive:
		return "ACTIVE"
	case ActivationBlocked:
		return "BLOCKED"
	case ActivationRemoved:
		return "REMOVED"
	}
	return "UNKNOWN"
}

// RecoveryCodeStatus enumerates recovery code states.
type RecoveryCodeStatus byte

const (
	RecoveryCodeCreated = RecoveryCodeStatus(1)
	RecoveryCodeActive  = RecoveryCodeStatus(2)
	RecoveryCodeBlocked = RecoveryCodeStatus(3)
	RecoveryCodeRevoked = RecoveryCodeStatus(4)
)

// RecoveryPukStatus enumerates recovery PUK states.
type RecoveryPukStatus byte

const (
	RecoveryPukValid   = RecoveryPukStatus(1)
	RecoveryPukUsed    = RecoveryPukStatus(2)
	RecoveryPukInvalid = RecoveryPukStatus(3)
)

// Application is the parent of versions and master key pairs.
type Application struct {
	ID    int64    `cbor:"1,keyasint"`
	Name  string   `cbor:"2,keyasint"`
	Roles []string `cbor:"3,keyasint,omitempty"`
}

// ApplicationVersion carries the public application key identifying the
// version on the wire and the bearer application secret.
type ApplicationVersion struct {
	ID                int64  `cbor:"1,keyasint"`
	ApplicationID     int64  `cbor:"2,keyasint"`
	Name              string `cbor:"3,keyasint"`
	ApplicationKey    string `cbor:"4,keyasint"`
	ApplicationSecret string `cbor:"5,keyasint"`
	Supported         bool   `cbor:"6,keyasint"`
}

// MasterKeyPair is the per application root key pair. The latest pair by
// CreatedAt is the current one.
type MasterKeyPair struct {
	ID               int64     `cbor:"1,keyasint"`
	ApplicationID    int64     `cbor:"2,keyasint"`
	MasterPrivateKey []byte    `cbor:"3,keyasint"`
	MasterPublicKey  []byte    `cbor:"4,keyasint"`
	CreatedAt        time.Time `cbor:"5,keyasint"`
}

// Activation is the central entity binding a user to a device key pair.
type Activation struct {
	ActivationID   string           `cbor:"1,keyasint"`
	ApplicationID  int64            `cbor:"2,keyasint"`
	UserID         string           `cbor:"3,keyasint"`
	ActivationName string           `cbor:"4,keyasint,omitempty"`
	ActivationCode string           `cbor:"5,keyasint"`
	Status         ActivationStatus `cbor:"6,keyasint"`
	BlockedReason  string           `cbor:"7,keyasint,omitempty"`

	// Counter is the legacy protocol v2 numeric counter. CtrData is the
	// protocol v3 hash based counter state. Both survive upgrades.
	Counter uint64 `cbor:"8,keyasint"`
	CtrData []byte `cbor:"9,keyasint,omitempty"`

	DevicePublicKey []byte `cbor:"10,keyasint,omitempty"`

	// ServerPrivateKey is stored through the keyvault codec; the mode
	// records how it was written.
	ServerPrivateKey           []byte                  `cbor:"11,keyasint"`
	ServerPrivateKeyEncryption keyvault.EncryptionMode `cbor:"12,keyasint"`
	ServerPublicKey            []byte                  `cbor:"13,keyasint"`

	FailedAttempts    uint64 `cbor:"14,keyasint"`
	MaxFailedAttempts uint64 `cbor:"15,keyasint"`

	ExpiresAt     time.Time `cbor:"16,keyasint"`
	CreatedAt     time.Time `cbor:"17,keyasint"`
	LastUsedAt    time.Time `cbor:"18,keyasint"`
	LastChangedAt time.Time `cbor:"19,keyasint,omitempty"`

	MasterKeyPairID int64 `cbor:"20,keyasint"`

	// Version is 0 while unknown (CREATED), then 2 or 3.
	Version byte `cbor:"21,keyasint"`

	Extras string   `cbor:"22,keyasint,omitempty"`
	Flags  []string `cbor:"23,keyasint,omitempty"`
}

// Pending returns true for states that expire.
func (self *Activation) Pending() bool {
	return ActivationCreated == self.Status || ActivationOtpUsed == self.Status
}

// RecoveryCode groups one or more PUKs under a 23 character code.
type RecoveryCode struct {
	ID                int64              `cbor:"1,keyasint"`
	ApplicationID     int64              `cbor:"2,keyasint"`
	UserID            string             `cbor:"3,keyasint"`
	ActivationID      string             `cbor:"4,keyasint,omitempty"`
	RecoveryCode      string             `cbor:"5,keyasint"`
	Status            RecoveryCodeStatus `cbor:"6,keyasint"`
	FailedAttempts    uint64             `cbor:"7,keyasint"`
	MaxFailedAttempts uint64             `cbor:"8,keyasint"`
	CreatedAt         time.Time          `cbor:"9,keyasint"`
	LastChangedAt     time.Time          `cbor:"10,keyasint,omitempty"`
	Puks              []RecoveryPuk      `cbor:"11,keyasint"`
}

// FirstValidPuk returns a pointer to the lowest index PUK in VALID state,
// or nil if none remains.
func (self *RecoveryCode) FirstValidPuk() *RecoveryPuk {
	var best *RecoveryPuk
	for i := range self.Puks {
		puk := &self.Puks[i]
		if RecoveryPukValid != puk.Status {
			continue
		}
		if nil == best || puk.PukIndex < best.PukIndex {
			best = puk
		}
	}
	return best
}

// RecoveryPuk is a single unblocking key, stored as a password hash through
// the keyvault codec.
type RecoveryPuk struct {
	ID            int64                   `cbor:"1,keyasint"`
	PukIndex      uint64                  `cbor:"2,keyasint"`
	PukHash       []byte                  `cbor:"3,keyasint"`
	PukEncryption keyvault.EncryptionMode `cbor:"4,keyasint"`
	Status        RecoveryPukStatus       `cbor:"5,keyasint"`
	LastChangedAt time.Time               `cbor:"6,keyasint,omitempty"`
}

// RecoveryConfig is the per application recovery toggle.
type RecoveryConfig struct {
	ApplicationID             int64 `cbor:"1,keyasint"`
	ActivationRecoveryEnabled bool  `cbor:"2,keyasint"`
}

// Token is an opaque authentication token issued against an activation.
type Token struct {
	TokenID              string               `cbor:"1,keyasint"`
	TokenSecret          []byte               `cbor:"2,keyasint"`
	ActivationID         string               `cbor:"3,keyasint"`
	SignatureTypeCreated crypto.SignatureType `cbor:"4,keyasint"`
	CreatedAt            time.Time            `cbor:"5,keyasint"`
}

// Integration identifies a trusted server side consumer of the RPC surface
// by a (token, secret) credential pair.
type Integration struct {
	ID           string `cbor:"1,keyasint"`
	Name         string `cbor:"2,keyasint"`
	ClientToken  string `cbor:"3,keyasint"`
	ClientSecret string `cbor:"4,keyasint"`
}

// CallbackUrl subscribes an HTTP endpoint to activation change events.
// Attributes selects which activation fields the payload carries.
type CallbackUrl struct {
	ID            string   `cbor:"1,keyasint"`
	ApplicationID int64    `cbor:"2,keyasint"`
	Name          string   `cbor:"3,keyasint"`
	URL           string   `cbor:"4,keyasint"`
	Attributes    []string `cbor:"5,keyasint,omitempty"`
}

// ActivationHistory records one status change of an activation.
type ActivationHistory struct {
	ID             int64            `cbor:"1,keyasint"`
	ActivationID   string           `cbor:"2,keyasint"`
	Status         ActivationStatus `cbor:"3,keyasint"`
	EventReason    string           `cbor:"4,keyasint,omitempty"`
	ExternalUserID string           `cbor:"5,keyasint,omitempty"`
	CreatedAt      time.Time        `cbor:"6,keyasint"`
}

// SignatureAudit is one row of the append-only signature verification log.
type SignatureAudit struct {
	ID             int64                `cbor:"1,keyasint"`
	ActivationID   string               `cbor:"2,keyasint"`
	UserID         string               `cbor:"3,keyasint"`
	ApplicationID  int64                `cbor:"4,keyasint"`
	Version        byte                 `cbor:"5,keyasint"`
	SignatureType  crypto.SignatureType `cbor:"6,keyasint"`
	Signature      string               `cbor:"7,keyasint"`
	Data           []byte               `cbor:"8,keyasint,omitempty"`
	Valid          bool                 `cbor:"9,keyasint"`
	Note           string               `cbor:"10,keyasint,omitempty"`
	CounterBefore  uint64               `cbor:"11,keyasint"`
	CreatedAt      time.Time            `cbor:"12,keyasint"`
}
