package ecies

import (
	"code.activault.org/server/pkg/crypto"
)

// SharedInfo1 selects the envelope key derivation scope.
// DO NOT EDIT: the values are part of the protocol wire contract.
type SharedInfo1 string

const (
	ApplicationScopeGeneric = SharedInfo1("/pa/generic/application")
	ActivationScopeGeneric  = SharedInfo1("/pa/generic/activation")
	ActivationLayer2        = SharedInfo1("/pa/activation")
	CreateToken             = SharedInfo1("/pa/token/create")
	VaultUnlock             = SharedInfo1("/pa/vault/unlock")
	Upgrade                 = SharedInfo1("/pa/upgrade")
)

// SharedInfo2ForApplication builds the application scope MAC binding:
// HMAC-SHA256(applicationSecret, applicationSecret).
func SharedInfo2ForApplication(applicationSecret []byte) []byte {
	return crypto.HMACSHA256(applicationSecret, applicationSecret)
}

// SharedInfo2ForActivation builds the activation scope MAC binding:
// HMAC-SHA256(applicationSecret, transportKey).
func SharedInfo2ForActivation(applicationSecret, transportKey []byte) []byte {
	return crypto.HMACSHA256(applicationSecret, transportKey)
}
