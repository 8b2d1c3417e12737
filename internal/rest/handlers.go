package rest

import (
	"net/http"
	"time"

	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/ecies"
	"code.activault.org/server/pkg/service"
	"code.activault.org/server/pkg/store"
)

func (self *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, self.svc.GetSystemStatus(r.Context()))
}

func (self *Server) handleErrorCodeList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"errors": self.svc.GetErrorCodeList(r.Context())})
}

func (self *Server) handleActivationInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID   int64     `json:"applicationId"`
		UserID          string    `json:"userId"`
		MaxFailureCount uint64    `json:"maxFailureCount,omitempty"`
		ExpiresAt       time.Time `json:"timestampActivationExpire,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := self.svc.InitActivation(r.Context(), service.InitActivationRequest{
		ApplicationID:   req.ApplicationID,
		UserID:          req.UserID,
		MaxFailureCount: req.MaxFailureCount,
		ExpiresAt:       req.ExpiresAt,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (self *Server) handleActivationPrepare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationCode string           `json:"activationCode"`
		ApplicationKey string           `json:"applicationKey"`
		Cryptogram     ecies.Cryptogram `json:"cryptogram"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := self.svc.PrepareActivation(r.Context(), service.PrepareActivationRequest{
		ActivationCode: req.ActivationCode,
		ApplicationKey: req.ApplicationKey,
		Cryptogram:     req.Cryptogram,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (self *Server) handleActivationCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          string           `json:"userId"`
		ApplicationKey  string           `json:"applicationKey"`
		MaxFailureCount uint64           `json:"maxFailureCount,omitempty"`
		ExpiresAt       time.Time        `json:"timestampActivationExpire,omitempty"`
		Cryptogram      ecies.Cryptogram `json:"cryptogram"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := self.svc.CreateActivation(r.Context(), service.CreateActivationRequest{
		UserID:          req.UserID,
		ApplicationKey:  req.ApplicationKey,
		MaxFailureCount: req.MaxFailureCount,
		ExpiresAt:       req.ExpiresAt,
		Cryptogram:      req.Cryptogram,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (self *Server) handleActivationCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID   string `json:"activationId"`
		ExternalUserID string `json:"externalUserId,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	err := self.svc.CommitActivation(r.Context(), req.ActivationID, req.ExternalUserID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activationId": req.ActivationID, "activated": true})
}

func (self *Server) handleActivationBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID   string `json:"activationId"`
		Reason         string `json:"reason,omitempty"`
		ExternalUserID string `json:"externalUserId,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	status, reason, err := self.svc.BlockActivation(r.Context(), req.ActivationID, req.Reason, req.ExternalUserID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activationId":     req.ActivationID,
		"activationStatus": status.String(),
		"blockedReason":    reason,
	})
}

func (self *Server) handleActivationUnblock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID   string `json:"activationId"`
		ExternalUserID string `json:"externalUserId,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	status, err := self.svc.UnblockActivation(r.Context(), req.ActivationID, req.ExternalUserID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activationId":     req.ActivationID,
		"activationStatus": status.String(),
	})
}

func (self *Server) handleActivationRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID   string `json:"activationId"`
		ExternalUserID string `json:"externalUserId,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	err := self.svc.RemoveActivation(r.Context(), req.ActivationID, req.ExternalUserID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activationId": req.ActivationID, "removed": true})
}

func (self *Server) handleActivationStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID string `json:"activationId"`
		Challenge    []byte `json:"challenge,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := self.svc.GetActivationStatus(r.Context(), service.GetActivationStatusRequest{
		ActivationID: req.ActivationID,
		Challenge:    req.Challenge,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (self *Server) handleActivationList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID int64  `json:"applicationId,omitempty"`
		UserID        string `json:"userId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	items, err := self.svc.GetActivationList(r.Context(), req.ApplicationID, req.UserID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": req.UserID, "activations": items})
}

func (self *Server) handleActivationLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserIDs        []string  `json:"userIds,omitempty"`
		ApplicationIDs []int64   `json:"applicationIds,omitempty"`
		LastUsedBefore time.Time `json:"timestampLastUsedBefore,omitempty"`
		LastUsedAfter  time.Time `json:"timestampLastUsedAfter,omitempty"`
		Statuses       []int     `json:"activationStatuses,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	statuses := make([]store.ActivationStatus, 0, len(req.Statuses))
	for _, s := range req.Statuses {
		statuses = append(statuses, store.ActivationStatus(s))
	}
	items, err := self.svc.LookupActivations(r.Context(), store.ActivationQuery{
		UserIDs:        req.UserIDs,
		ApplicationIDs: req.ApplicationIDs,
		LastUsedBefore: req.LastUsedBefore,
		LastUsedAfter:  req.LastUsedAfter,
		Statuses:       statuses,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activations": items})
}

func (self *Server) handleActivationStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationIDs []string `json:"activationIds"`
		Status        byte     `json:"activationStatus"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	err := self.svc.UpdateStatusForActivations(r.Context(), req.ActivationIDs, store.ActivationStatus(req.Status))
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (self *Server) handleActivationHistory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID string    `json:"activationId"`
		From         time.Time `json:"timestampFrom,omitempty"`
		To           time.Time `json:"timestampTo,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	entries, err := self.svc.GetActivationHistory(r.Context(), req.ActivationID, req.From, req.To)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (self *Server) handleRecoveryActivation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecoveryCode    string           `json:"recoveryCode"`
		Puk             string           `json:"puk"`
		ApplicationKey  string           `json:"applicationKey"`
		MaxFailureCount uint64           `json:"maxFailureCount,omitempty"`
		Cryptogram      ecies.Cryptogram `json:"cryptogram"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := self.svc.CreateActivationUsingRecoveryCode(r.Context(), service.RecoveryActivationRequest{
		RecoveryCode:    req.RecoveryCode,
		Puk:             req.Puk,
		ApplicationKey:  req.ApplicationKey,
		MaxFailureCount: req.MaxFailureCount,
		Cryptogram:      req.Cryptogram,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (self *Server) handleTokenCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID   string           `json:"activationId"`
		ApplicationKey string           `json:"applicationKey"`
		SignatureType  string           `json:"signatureType"`
		Cryptogram     ecies.Cryptogram `json:"cryptogram"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	cryptogram, err := self.svc.CreateToken(r.Context(), service.CreateTokenRequest{
		ActivationID:   req.ActivationID,
		ApplicationKey: req.ApplicationKey,
		SignatureType:  crypto.SignatureType(req.SignatureType),
		Cryptogram:     req.Cryptogram,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cryptogram": cryptogram})
}

func (self *Server) handleTokenValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenID         string `json:"tokenId"`
		Nonce           []byte `json:"nonce"`
		TimestampMillis int64  `json:"timestamp"`
		Digest          []byte `json:"tokenDigest"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := self.svc.ValidateToken(r.Context(), service.ValidateTokenRequest{
		TokenID:         req.TokenID,
		Nonce:           req.Nonce,
		TimestampMillis: req.TimestampMillis,
		Digest:          req.Digest,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (self *Server) handleTokenRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenID      string `json:"tokenId"`
		ActivationID string `json:"activationId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	removed, err := self.svc.RemoveToken(r.Context(), req.TokenID, req.ActivationID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (self *Server) handleSignatureVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID   string `json:"activationId"`
		ApplicationKey string `json:"applicationKey"`
		SignatureType  string `json:"signatureType"`
		Signature      string `json:"signature"`
		Data           []byte `json:"data"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := self.svc.VerifySignature(r.Context(), service.VerifySignatureRequest{
		ActivationID:   req.ActivationID,
		ApplicationKey: req.ApplicationKey,
		SignatureType:  crypto.SignatureType(req.SignatureType),
		Signature:      req.Signature,
		Data:           req.Data,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (self *Server) handleECDSAVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID string `json:"activationId"`
		Data         []byte `json:"data"`
		Signature    []byte `json:"signature"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	valid, err := self.svc.VerifyECDSASignature(r.Context(), req.ActivationID, req.Data, req.Signature)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signatureValid": valid})
}

func (self *Server) handleOfflinePersonalized(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID string `json:"activationId"`
		Data         string `json:"data"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	payload, nonce, err := self.svc.CreatePersonalizedOfflineSignaturePayload(r.Context(), req.ActivationID, req.Data)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offlineData": payload, "nonce": nonce})
}

func (self *Server) handleOfflineNonPersonalized(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID int64  `json:"applicationId"`
		Data          string `json:"data"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	payload, nonce, err := self.svc.CreateNonPersonalizedOfflineSignaturePayload(r.Context(), req.ApplicationID, req.Data)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offlineData": payload, "nonce": nonce})
}

func (self *Server) handleOfflineVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID  string `json:"activationId"`
		Data          []byte `json:"data"`
		Signature     string `json:"signature"`
		AllowBiometry bool   `json:"allowBiometry,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := self.svc.VerifyOfflineSignature(r.Context(), req.ActivationID, req.Data, req.Signature, req.AllowBiometry)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (self *Server) handleSignatureAudit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string    `json:"userId,omitempty"`
		ApplicationID int64     `json:"applicationId,omitempty"`
		From          time.Time `json:"timestampFrom,omitempty"`
		To            time.Time `json:"timestampTo,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	entries, err := self.svc.GetSignatureAuditLog(r.Context(), store.SignatureAuditQuery{
		UserID:        req.UserID,
		ApplicationID: req.ApplicationID,
		From:          req.From,
		To:            req.To,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (self *Server) handleVaultUnlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID   string           `json:"activationId"`
		ApplicationKey string           `json:"applicationKey"`
		SignatureType  string           `json:"signatureType"`
		Signature      string           `json:"signature"`
		SignedData     []byte           `json:"signedData"`
		Cryptogram     ecies.Cryptogram `json:"cryptogram"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	cryptogram, err := self.svc.VaultUnlock(r.Context(), service.VaultUnlockRequest{
		ActivationID:   req.ActivationID,
		ApplicationKey: req.ApplicationKey,
		SignatureType:  crypto.SignatureType(req.SignatureType),
		Signature:      req.Signature,
		SignedData:     req.SignedData,
		Cryptogram:     req.Cryptogram,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cryptogram": cryptogram})
}

func (self *Server) handleUpgradeStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID   string           `json:"activationId"`
		ApplicationKey string           `json:"applicationKey"`
		Cryptogram     ecies.Cryptogram `json:"cryptogram"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	cryptogram, err := self.svc.StartUpgrade(r.Context(), req.ActivationID, req.ApplicationKey, req.Cryptogram)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cryptogram": cryptogram})
}

func (self *Server) handleUpgradeCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActivationID string `json:"activationId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	err := self.svc.CommitUpgrade(r.Context(), req.ActivationID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed": true})
}

func (self *Server) handleEciesDecryptor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationKey     string `json:"applicationKey"`
		ActivationID       string `json:"activationId,omitempty"`
		EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := self.svc.GetEciesDecryptor(r.Context(), service.EciesDecryptorRequest{
		ApplicationKey:     req.ApplicationKey,
		ActivationID:       req.ActivationID,
		EphemeralPublicKey: req.EphemeralPublicKey,
	})
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (self *Server) handleApplicationList(w http.ResponseWriter, r *http.Request) {
	applications, err := self.svc.GetApplicationList(r.Context())
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": applications})
}

func (self *Server) handleApplicationDetail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID int64 `json:"applicationId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	detail, err := self.svc.GetApplicationDetail(r.Context(), req.ApplicationID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (self *Server) handleApplicationCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string   `json:"applicationName"`
		Roles []string `json:"applicationRoles,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	detail, err := self.svc.CreateApplication(r.Context(), req.Name, req.Roles)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (self *Server) handleVersionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID int64  `json:"applicationId"`
		Name          string `json:"applicationVersionName"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	version, err := self.svc.CreateApplicationVersion(r.Context(), req.ApplicationID, req.Name)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (self *Server) handleVersionSupport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationKey string `json:"applicationKey"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	err := self.svc.SupportApplicationVersion(r.Context(), req.ApplicationKey)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"supported": true})
}

func (self *Server) handleVersionUnsupport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationKey string `json:"applicationKey"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	err := self.svc.UnsupportApplicationVersion(r.Context(), req.ApplicationKey)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"supported": false})
}

func (self *Server) handleRecoveryConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID             int64 `json:"applicationId"`
		ActivationRecoveryEnabled bool  `json:"activationRecoveryEnabled"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	err := self.svc.SetRecoveryConfig(r.Context(), req.ApplicationID, req.ActivationRecoveryEnabled)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (self *Server) handleIntegrationCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	integration, err := self.svc.CreateIntegration(r.Context(), req.Name)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, integration)
}

func (self *Server) handleIntegrationList(w http.ResponseWriter, r *http.Request) {
	integrations, err := self.svc.GetIntegrationList(r.Context())
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": integrations})
}

func (self *Server) handleIntegrationRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	removed, err := self.svc.RemoveIntegration(r.Context(), req.ID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "removed": removed})
}

func (self *Server) handleCallbackCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID int64    `json:"applicationId"`
		Name          string   `json:"name"`
		CallbackUrl   string   `json:"callbackUrl"`
		Attributes    []string `json:"attributes,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	callback, err := self.svc.CreateCallbackUrl(r.Context(), req.ApplicationID, req.Name, req.CallbackUrl, req.Attributes)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, callback)
}

func (self *Server) handleCallbackUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		CallbackUrl string   `json:"callbackUrl"`
		Attributes  []string `json:"attributes,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	callback, err := self.svc.UpdateCallbackUrl(r.Context(), req.ID, req.Name, req.CallbackUrl, req.Attributes)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, callback)
}

func (self *Server) handleCallbackList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID int64 `json:"applicationId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	callbacks, err := self.svc.GetCallbackUrlList(r.Context(), req.ApplicationID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callbackUrlList": callbacks})
}

func (self *Server) handleCallbackRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	removed, err := self.svc.RemoveCallbackUrl(r.Context(), req.ID)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "removed": removed})
}
