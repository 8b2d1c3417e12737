package service

import (
	"fmt"

	"code.activault.org/server/internal/utils"
)

// ServiceError is the error taxonomy exposed on the RPC boundary. Handlers
// flag every failure with exactly one ServiceError so that callers can match
// with errors.Is; inner causes stay attached for the logs.
type ServiceError string

const (
	// All package errors are wrapping Error
	Error = ServiceError("ERROR")

	ErrActivationNotFound             = ServiceError("ACTIVATION_NOT_FOUND")
	ErrActivationExpired              = ServiceError("ACTIVATION_EXPIRED")
	ErrActivationIncorrectState       = ServiceError("ACTIVATION_INCORRECT_STATE")
	ErrInvalidApplication             = ServiceError("INVALID_APPLICATION")
	ErrInvalidKeyFormat               = ServiceError("INVALID_KEY_FORMAT")
	ErrIncorrectMasterKeyPair         = ServiceError("INCORRECT_MASTER_SERVER_KEYPAIR_PRIVATE")
	ErrNoMasterKeyPair                = ServiceError("NO_MASTER_SERVER_KEYPAIR")
	ErrDecryptionFailed               = ServiceError("DECRYPTION_FAILED")
	ErrGenericCryptography            = ServiceError("GENERIC_CRYPTOGRAPHY_ERROR")
	ErrInvalidCryptoProvider          = ServiceError("INVALID_CRYPTO_PROVIDER")
	ErrInvalidInputFormat             = ServiceError("INVALID_INPUT_FORMAT")
	ErrInvalidRequest                 = ServiceError("INVALID_REQUEST")
	ErrNoUserId                       = ServiceError("NO_USER_ID")
	ErrNoApplicationId                = ServiceError("NO_APPLICATION_ID")
	ErrUnableToGenerateActivationId   = ServiceError("UNABLE_TO_GENERATE_ACTIVATION_ID")
	ErrUnableToGenerateActivationCode = ServiceError("UNABLE_TO_GENERATE_ACTIVATION_CODE")
	ErrUnableToGenerateToken          = ServiceError("UNABLE_TO_GENERATE_TOKEN")
	ErrUnableToGenerateRecoveryCode   = ServiceError("UNABLE_TO_GENERATE_RECOVERY_CODE")
	ErrRecoveryCodeAlreadyExists      = ServiceError("RECOVERY_CODE_ALREADY_EXISTS")
	ErrInvalidRecoveryCode            = ServiceError("INVALID_RECOVERY_CODE")
	ErrInvalidUrlFormat               = ServiceError("INVALID_URL_FORMAT")
	ErrUnknown                        = ServiceError("UNKNOWN_ERROR")
)

// Error implements the error interface.
func (self ServiceError) Error() string {
	return string(self)
}

func (self ServiceError) Unwrap() error {
	if Error == self {
		return nil
	}
	return Error
}

// ErrorCodeList returns all boundary error codes, for getErrorCodeList.
func ErrorCodeList() []string {
	codes := []ServiceError{
		ErrActivationNotFound, ErrActivationExpired, ErrActivationIncorrectState,
		ErrInvalidApplication, ErrInvalidKeyFormat, ErrIncorrectMasterKeyPair,
		ErrNoMasterKeyPair, ErrDecryptionFailed, ErrGenericCryptography,
		ErrInvalidCryptoProvider, ErrInvalidInputFormat, ErrInvalidRequest,
		ErrNoUserId, ErrNoApplicationId, ErrUnableToGenerateActivationId,
		ErrUnableToGenerateActivationCode, ErrUnableToGenerateToken,
		ErrUnableToGenerateRecoveryCode, ErrRecoveryCodeAlreadyExists,
		ErrInvalidRecoveryCode, ErrInvalidUrlFormat, ErrUnknown,
	}
	rv := make([]string, 0, len(codes))
	for _, c := range codes {
		rv = append(rv, string(c))
	}
	return rv
}

// RecoveryError decorates ErrInvalidRecoveryCode with the index of the PUK
// the client should have provided, when one is still VALID.
type RecoveryError struct {
	CurrentPukIndex uint64
}

// Error implements the error interface.
func (self RecoveryError) Error() string {
	return fmt.Sprintf("%s: current puk index %d", ErrInvalidRecoveryCode, self.CurrentPukIndex)
}

func (self RecoveryError) Unwrap() error {
	return ErrInvalidRecoveryCode
}

// fail returns a utils.RaisedErr{} flagged with the given ServiceError.
func fail(flag error, msg string, args ...any) error {
	return utils.NewError(1, flag, msg, args...)
}

// failCause returns a utils.RaisedErr{} flagged with the given ServiceError
// and carrying cause. It returns nil if cause is nil.
func failCause(cause error, flag error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, flag, msg, args...)
}
