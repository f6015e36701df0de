package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"plugin-license-server/internal/license"
	"plugin-license-server/internal/store"
)

type validateRequest struct {
	Key    string `json:"key"`
	Plugin string `json:"plugin"`
	Server string `json:"server"`
}

type createRequest struct {
	Plugin     string     `json:"plugin" validate:"required"`
	Buyer      string     `json:"buyer" validate:"required"`
	Server     string     `json:"server"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	MaxServers int        `json:"maxServers" validate:"omitempty,min=1,max=1000"`
	Notes      string     `json:"notes"`
}

type updateRequest struct {
	Buyer     *string    `json:"buyer"`
	Server    *string    `json:"server"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Notes     *string    `json:"notes"`
}

type revokeRequest struct {
	Key string `json:"key" validate:"required"`
}

type serverRequest struct {
	IP   string   `json:"ip" validate:"required"`
	Port flexPort `json:"port" validate:"required"`
	Name string   `json:"name"`
}

type purchaseRequest struct {
	PluginID   string `json:"pluginId" validate:"required"`
	BuyerName  string `json:"buyerName" validate:"required"`
	MaxServers int    `json:"maxServers" validate:"omitempty,min=1,max=1000"`
}

// flexPort accepts a port sent either as a JSON number or a string.
type flexPort string

func (p *flexPort) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*p = flexPort(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("port must be a number or string")
	}
	*p = flexPort(s)
	return nil
}

// decode reads a JSON body into dst and runs struct validation.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		fail(w, r, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		fail(w, r, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// statusFor maps license error codes to HTTP statuses.
func statusFor(err error) int {
	switch license.CodeOf(err) {
	case license.CodeBadRequest, license.CodeQuotaExceeded:
		return http.StatusBadRequest
	case license.CodeNotFound:
		return http.StatusNotFound
	case license.CodeCapacityExceeded, license.CodeDuplicateServer:
		return http.StatusConflict
	case license.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	msg := "Server error"
	var lerr *license.Error
	if errors.As(err, &lerr) {
		msg = lerr.Message
	}
	if status >= http.StatusInternalServerError {
		a.log.Error(op+" failed", zap.Error(err), zap.String("path", r.URL.Path))
		if status == http.StatusInternalServerError && lerr == nil {
			msg = "Server error " + op
		}
	}
	fail(w, r, status, msg)
}

type expiredData struct {
	Status    store.Status `json:"status"`
	ExpiresAt *time.Time   `json:"expiresAt"`
	IsExpired bool         `json:"isExpired"`
}

type unauthorizedServerData struct {
	ProvidedServer string         `json:"providedServer"`
	AllowedServers []store.Server `json:"allowedServers"`
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	v, err := a.svc.Validate(r.Context(), license.ValidateRequest{Key: req.Key, Plugin: req.Plugin, Server: req.Server})
	if err != nil {
		a.writeError(w, r, "validating license", err)
		return
	}

	switch v.Reason {
	case license.ReasonValid:
		ok(w, r, http.StatusOK, v.Message, v.License)
	case license.ReasonExpired, license.ReasonRevoked:
		writeJSON(w, r, http.StatusBadRequest, envelope{
			Message: v.Message,
			Data:    expiredData{Status: v.Status, ExpiresAt: v.ExpiresAt, IsExpired: v.IsExpired},
		})
	case license.ReasonServerNotAuthorized:
		writeJSON(w, r, http.StatusForbidden, envelope{
			Message: v.Message,
			Data:    unauthorizedServerData{ProvidedServer: v.ProvidedServer, AllowedServers: v.AllowedServers},
		})
	case license.ReasonNotFound:
		fail(w, r, http.StatusNotFound, v.Message)
	default:
		fail(w, r, http.StatusBadRequest, v.Message)
	}
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !a.decode(w, r, &req) {
		return
	}
	lic, err := a.svc.Create(r.Context(), actorFrom(r.Context()), license.CreateParams{
		PluginName:  req.Plugin,
		BuyerLabel:  req.Buyer,
		ServerLabel: req.Server,
		ExpiresAt:   req.ExpiresAt,
		MaxServers:  req.MaxServers,
		Notes:       req.Notes,
	})
	if err != nil {
		a.writeError(w, r, "creating license", err)
		return
	}
	ok(w, r, http.StatusCreated, "License created successfully", lic)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	res, err := a.svc.List(r.Context(), actorFrom(r.Context()), license.ListFilter{
		OwnerID: q.Get("owner"),
		Status:  q.Get("status"),
		Plugin:  q.Get("plugin"),
		Page:    page,
		Limit:   limit,
	})
	if err != nil {
		a.writeError(w, r, "getting licenses", err)
		return
	}
	writeJSON(w, r, http.StatusOK, envelope{
		Success:    true,
		Data:       res.Items,
		Pagination: &pagination{Page: res.Page, Limit: res.Limit, Total: res.Total, Pages: res.Pages},
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Stats(r.Context(), actorFrom(r.Context()), r.URL.Query().Get("owner"))
	if err != nil {
		a.writeError(w, r, "getting license stats", err)
		return
	}
	ok(w, r, http.StatusOK, "", st)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !a.decode(w, r, &req) {
		return
	}
	lic, err := a.svc.Revoke(r.Context(), actorFrom(r.Context()), req.Key)
	if err != nil {
		a.writeError(w, r, "revoking license", err)
		return
	}
	ok(w, r, http.StatusOK, "License revoked successfully", lic)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	lic, err := a.svc.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		a.writeError(w, r, "getting license", err)
		return
	}
	ok(w, r, http.StatusOK, "", lic)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !a.decode(w, r, &req) {
		return
	}
	lic, err := a.svc.UpdateFields(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "key"), license.UpdateParams{
		BuyerLabel:  req.Buyer,
		ServerLabel: req.Server,
		ExpiresAt:   req.ExpiresAt,
		Notes:       req.Notes,
	})
	if err != nil {
		a.writeError(w, r, "updating license", err)
		return
	}
	ok(w, r, http.StatusOK, "License updated successfully", lic)
}

func (a *API) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !a.decode(w, r, &req) {
		return
	}
	lic, err := a.svc.AddServer(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "key"), req.IP, string(req.Port), req.Name)
	if err != nil {
		a.writeError(w, r, "adding server", err)
		return
	}
	ok(w, r, http.StatusOK, "Server added successfully", lic)
}

func (a *API) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !a.decode(w, r, &req) {
		return
	}
	lic, err := a.svc.RemoveServer(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "key"), req.IP, string(req.Port))
	if err != nil {
		a.writeError(w, r, "removing server", err)
		return
	}
	ok(w, r, http.StatusOK, "Server removed successfully", lic)
}

func (a *API) handlePlugins(w http.ResponseWriter, r *http.Request) {
	plugins := []license.Plugin{}
	if a.plugins != nil {
		plugins = a.plugins.All()
	}
	ok(w, r, http.StatusOK, "", plugins)
}

type purchaseData struct {
	License store.License  `json:"license"`
	Plugin  license.Plugin `json:"plugin"`
}

func (a *API) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !a.decode(w, r, &req) {
		return
	}
	lic, plugin, err := a.svc.Purchase(r.Context(), license.PurchaseParams{
		PluginID:   req.PluginID,
		BuyerLabel: req.BuyerName,
		MaxServers: req.MaxServers,
	})
	if err != nil {
		a.writeError(w, r, "processing purchase", err)
		return
	}
	ok(w, r, http.StatusCreated, "License purchased successfully", purchaseData{License: lic, Plugin: plugin})
}
