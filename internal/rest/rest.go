// Package rest exposes the domain service over a JSON RPC-over-HTTP facade.
// Every method maps to one POST route in the protocol naming scheme; the
// handlers only marshal, the semantics live in pkg/service.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"code.activault.org/server/internal/observability"
	"code.activault.org/server/pkg/service"
)

// Server wires the domain service into an HTTP router.
type Server struct {
	svc *service.Service
}

// NewServer returns a REST facade for svc.
func NewServer(svc *service.Service) (*Server, error) {
	if nil == svc {
		return nil, errors.New("rest: nil service")
	}
	return &Server{svc: svc}, nil
}

// Router builds the route table. All RPC methods are POST; the status
// endpoint also answers GET for probes.
func (self *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rest/v3/status", self.handleSystemStatus).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/rest/v3/error/list", self.handleErrorCodeList).Methods(http.MethodPost)

	r.HandleFunc("/rest/v3/activation/init", self.handleActivationInit).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/prepare", self.handleActivationPrepare).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/create", self.handleActivationCreate).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/commit", self.handleActivationCommit).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/block", self.handleActivationBlock).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/unblock", self.handleActivationUnblock).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/remove", self.handleActivationRemove).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/status", self.handleActivationStatus).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/list", self.handleActivationList).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/lookup", self.handleActivationLookup).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/status/update", self.handleActivationStatusUpdate).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/history", self.handleActivationHistory).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/activation/recovery/create", self.handleRecoveryActivation).Methods(http.MethodPost)

	r.HandleFunc("/rest/v3/token/create", self.handleTokenCreate).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/token/validate", self.handleTokenValidate).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/token/remove", self.handleTokenRemove).Methods(http.MethodPost)

	r.HandleFunc("/rest/v3/signature/verify", self.handleSignatureVerify).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/signature/ecdsa/verify", self.handleECDSAVerify).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/signature/offline/personalized/create", self.handleOfflinePersonalized).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/signature/offline/non-personalized/create", self.handleOfflineNonPersonalized).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/signature/offline/verify", self.handleOfflineVerify).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/signature/audit", self.handleSignatureAudit).Methods(http.MethodPost)

	r.HandleFunc("/rest/v3/vault/unlock", self.handleVaultUnlock).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/upgrade/start", self.handleUpgradeStart).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/upgrade/commit", self.handleUpgradeCommit).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/ecies/decryptor", self.handleEciesDecryptor).Methods(http.MethodPost)

	r.HandleFunc("/rest/v3/application/list", self.handleApplicationList).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/application/detail", self.handleApplicationDetail).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/application/create", self.handleApplicationCreate).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/application/version/create", self.handleVersionCreate).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/application/version/support", self.handleVersionSupport).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/application/version/unsupport", self.handleVersionUnsupport).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/application/recovery/config", self.handleRecoveryConfig).Methods(http.MethodPost)

	r.HandleFunc("/rest/v3/integration/create", self.handleIntegrationCreate).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/integration/list", self.handleIntegrationList).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/integration/remove", self.handleIntegrationRemove).Methods(http.MethodPost)

	r.HandleFunc("/rest/v3/callback/create", self.handleCallbackCreate).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/callback/update", self.handleCallbackUpdate).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/callback/list", self.handleCallbackList).Methods(http.MethodPost)
	r.HandleFunc("/rest/v3/callback/remove", self.handleCallbackRemove).Methods(http.MethodPost)

	return r
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if nil != err {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(service.ErrInvalidRequest)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the service error taxonomy to HTTP statuses and logs the
// full cause chain server side. Only the boundary code leaves the process.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := observability.GetObservability(r.Context()).Log()
	log.Warn("request failed", "error", err)

	code := service.ErrUnknown
	for _, candidate := range []service.ServiceError{
		service.ErrActivationNotFound, service.ErrActivationExpired,
		service.ErrActivationIncorrectState, service.ErrInvalidApplication,
		service.ErrInvalidKeyFormat, service.ErrIncorrectMasterKeyPair,
		service.ErrNoMasterKeyPair, service.ErrDecryptionFailed,
		service.ErrGenericCryptography, service.ErrInvalidCryptoProvider,
		service.ErrInvalidInputFormat, service.ErrInvalidRequest,
		service.ErrNoUserId, service.ErrNoApplicationId,
		service.ErrUnableToGenerateActivationId, service.ErrUnableToGenerateActivationCode,
		service.ErrUnableToGenerateToken, service.ErrUnableToGenerateRecoveryCode,
		service.ErrRecoveryCodeAlreadyExists, service.ErrInvalidRecoveryCode,
		service.ErrInvalidUrlFormat,
	} {
		if errors.Is(err, candidate) {
			code = candidate
			break
		}
	}

	status := http.StatusBadRequest
	switch code {
	case service.ErrActivationNotFound:
		status = http.StatusNotFound
	case service.ErrUnknown, service.ErrGenericCryptography, service.ErrNoMasterKeyPair,
		service.ErrIncorrectMasterKeyPair, service.ErrInvalidCryptoProvider:
		status = http.StatusInternalServerError
	}

	body := struct {
		Error           string  `json:"error"`
		CurrentPukIndex *uint64 `json:"currentRecoveryPukIndex,omitempty"`
	}{Error: string(code)}

	var recoveryErr service.RecoveryError
	if errors.As(err, &recoveryErr) {
		body.CurrentPukIndex = &recoveryErr.CurrentPukIndex
	}
	writeJSON(w, status, body)
}
