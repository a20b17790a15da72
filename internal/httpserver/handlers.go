package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"dispatch/internal/domain"
	"dispatch/internal/service"
)

// Request bodies carry base64 attachments.
const maxBodyBytes = 20 << 20

type Dispatcher interface {
	SendEmail(ctx context.Context, tenantID string, req domain.SendEmailRequest, raw map[string]any) (domain.SendResponse, error)
	SendWhatsApp(ctx context.Context, tenantID string, req domain.SendWhatsAppRequest, raw map[string]any) (domain.SendResponse, error)
	Detail(ctx context.Context, tenantID, id string) (service.DeliveryDetail, bool, error)
}

type CredentialManager interface {
	Save(ctx context.Context, tenantID string, req domain.SaveCredentialRequest) (domain.Credential, []string, error)
	MakeDefault(ctx context.Context, tenantID string, id int64) (domain.Credential, error)
	Verify(ctx context.Context, tenantID string, id int64) (domain.Credential, error)
	ProvisionTenant(ctx context.Context, tenantID string) (int, error)
}

type API struct {
	Svc      Dispatcher
	Creds    CredentialManager
	Validate *validator.Validate
}

// Register mounts the tenant scoped routes under /v1.
func (a *API) Register(m *mux.Router) {
	v1 := m.PathPrefix("/v1").Subrouter()
	v1.Use(Tenant)
	v1.HandleFunc("/email/send", a.handleSendEmail).Methods(http.MethodPost)
	v1.HandleFunc("/whatsapp/send", a.handleSendWhatsApp).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries/{id}", a.handleGetDelivery).Methods(http.MethodGet)

	if a.Creds != nil {
		v1.HandleFunc("/credentials", a.handleSaveCredential).Methods(http.MethodPost)
		v1.HandleFunc("/credentials/{id:[0-9]+}/default", a.handleMakeDefault).Methods(http.MethodPut)
		v1.HandleFunc("/credentials/{id:[0-9]+}/verify", a.handleVerify).Methods(http.MethodPost)
		v1.HandleFunc("/credentials/provision", a.handleProvision).Methods(http.MethodPost)
	}
}

func (a *API) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var req domain.SendEmailRequest
	raw := decodeBody(r, &req)
	resp, err := a.Svc.SendEmail(r.Context(), TenantFrom(r.Context()), req, raw)
	writeSendResult(w, resp, err)
}

func (a *API) handleSendWhatsApp(w http.ResponseWriter, r *http.Request) {
	var req domain.SendWhatsAppRequest
	raw := decodeBody(r, &req)
	resp, err := a.Svc.SendWhatsApp(r.Context(), TenantFrom(r.Context()), req, raw)
	writeSendResult(w, resp, err)
}

func writeSendResult(w http.ResponseWriter, resp domain.SendResponse, err error) {
	var verr *service.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, resp)
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, verr.Fields)
	default:
		slog.Error("dispatch failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrInternal)
	}
}

func (a *API) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, ErrMissingID)
		return
	}
	d, found, err := a.Svc.Detail(r.Context(), TenantFrom(r.Context()), id)
	if err != nil {
		slog.Error("get delivery failed", "err", err, "envio_id", id)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleSaveCredential(w http.ResponseWriter, r *http.Request) {
	var req domain.SaveCredentialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if verr := service.FieldErrors(a.validator().Struct(&req)); verr != nil {
		writeError(w, http.StatusUnprocessableEntity, verr.Fields)
		return
	}
	tenantID := TenantFrom(r.Context())
	c, structErrs, err := a.Creds.Save(r.Context(), tenantID, req)
	if err != nil {
		slog.Error("save credential failed", "err", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	if len(structErrs) > 0 {
		writeError(w, http.StatusUnprocessableEntity, map[string][]string{"credenciales": structErrs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": domain.ViewCredential(c)})
}

func (a *API) handleMakeDefault(w http.ResponseWriter, r *http.Request) {
	a.credentialAction(w, r, a.Creds.MakeDefault)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	a.credentialAction(w, r, a.Creds.Verify)
}

func (a *API) credentialAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, int64) (domain.Credential, error)) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrMissingID)
		return
	}
	tenantID := TenantFrom(r.Context())
	c, err := fn(r.Context(), tenantID, id)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	if err != nil {
		slog.Error("credential action failed", "err", err, "tenant_id", tenantID, "credencial_id", id)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": domain.ViewCredential(c)})
}

func (a *API) handleProvision(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFrom(r.Context())
	n, err := a.Creds.ProvisionTenant(r.Context(), tenantID)
	if err != nil {
		slog.Error("provision tenant failed", "err", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "copiadas": n})
}

func (a *API) validator() *validator.Validate {
	if a.Validate == nil {
		a.Validate = service.NewValidator()
	}
	return a.Validate
}

// decodeBody fills dst and returns the body as a generic map for the audit
// echo. A malformed body leaves dst zero so validation rejects it and the
// attempt is still recorded.
func decodeBody(r *http.Request, dst any) map[string]any {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("read request body failed", "err", err, "path", r.URL.Path)
		return map[string]any{}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		slog.Warn("decode request body failed", "err", err, "path", r.URL.Path)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return map[string]any{"_raw": string(body)}
	}
	return raw
}
