package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/aymanebt/medescrow/internal/models"
	service "github.com/aymanebt/medescrow/internal/services"
	pkgerrors "github.com/aymanebt/medescrow/pkg/errors"
)

type Handler struct {
	service service.LedgerService
}

func NewHandler(s service.LedgerService) *Handler {
	return &Handler{service: s}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeLedgerError maps ledger sentinels to HTTP statuses so API consumers
// can distinguish why an operation was impossible.
func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrRequestNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pkgerrors.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, pkgerrors.ErrAlreadyPaid),
		errors.Is(err, pkgerrors.ErrAlreadyCancelled),
		errors.Is(err, pkgerrors.ErrRequestExpired),
		errors.Is(err, pkgerrors.ErrRequestBusy),
		errors.Is(err, pkgerrors.ErrRequestAlreadyProcessed):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, pkgerrors.ErrInvalidAmount),
		errors.Is(err, pkgerrors.ErrInvalidPayer),
		errors.Is(err, pkgerrors.ErrInsufficientPayment),
		errors.Is(err, pkgerrors.ErrInsufficientFunds),
		errors.Is(err, pkgerrors.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, err)
	default:
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/register", h.Register).Methods("POST")
	r.HandleFunc("/login", h.Login).Methods("POST")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/requests", h.CreateRequest).Methods("POST")
	r.HandleFunc("/requests", h.ListRequests).Methods("GET")
	r.HandleFunc("/requests/next-id", h.NextRequestID).Methods("GET")
	r.HandleFunc("/requests/{id:[0-9]+}", h.GetRequest).Methods("GET")
	r.HandleFunc("/requests/{id:[0-9]+}/pay", h.PayRequest).Methods("POST")
	r.HandleFunc("/requests/{id:[0-9]+}/cancel", h.CancelRequest).Methods("POST")
	r.HandleFunc("/requests/{id:[0-9]+}/expired", h.IsExpired).Methods("GET")
	r.HandleFunc("/history", h.GetPaymentHistory).Methods("GET")
	r.HandleFunc("/alerts", h.GetAlerts).Methods("GET")
	r.HandleFunc("/balance", h.GetBalance).Methods("GET")
}

func callerWallet(r *http.Request) (models.Address, bool) {
	wallet, ok := r.Context().Value("wallet").(string)
	if !ok || wallet == "" {
		return models.ZeroAddress, false
	}
	return models.Address(wallet), true
}

func requestID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		Wallet      string `json:"wallet"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	accountID, err := h.service.Register(r.Context(), req.Username, req.Password, req.Wallet, req.DisplayName)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrUsernameExists) || errors.Is(err, pkgerrors.ErrWalletExists) {
			h.writeError(w, http.StatusConflict, err)
		} else if errors.Is(err, pkgerrors.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]int64{"account_id": accountID})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}

	var req struct {
		Payer       string `json:"payer"`
		Amount      int64  `json:"amount"`
		Deadline    int64  `json:"deadline"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.service.CreateRequest(r.Context(), caller, models.Address(req.Payer), req.Amount, req.Deadline, req.Description)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (h *Handler) PayRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}
	id, err := requestID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Value     int64  `json:"value"`
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.service.PayRequest(r.Context(), caller, id, req.Value, req.RequestID); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "paid"})
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}
	id, err := requestID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.service.CancelRequest(r.Context(), caller, id); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	req, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListRequests returns the append-only id sequence for a requester or payer
// wallet, in creation order.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	requester := r.URL.Query().Get("requester")
	payer := r.URL.Query().Get("payer")

	var ids []uint64
	switch {
	case requester != "" && payer == "":
		ids = h.service.GetRequesterRequests(r.Context(), models.Address(requester))
	case payer != "" && requester == "":
		ids = h.service.GetPayerRequests(r.Context(), models.Address(payer))
	default:
		h.writeError(w, http.StatusBadRequest, errors.New("exactly one of requester or payer is required"))
		return
	}

	if ids == nil {
		ids = []uint64{}
	}
	h.writeJSON(w, http.StatusOK, map[string][]uint64{"ids": ids})
}

func (h *Handler) IsExpired(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	expired, err := h.service.IsExpired(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"expired": expired})
}

func (h *Handler) NextRequestID(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]uint64{"next_id": h.service.NextRequestID(r.Context())})
}

func (h *Handler) GetPaymentHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}

	events, err := h.service.GetPaymentHistory(r.Context(), caller)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}

	alerts, err := h.service.GetAlerts(r.Context(), caller)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	h.writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerWallet(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}

	balance, err := h.service.GetBalance(r.Context(), caller)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}
