package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/chainfood/internal/content"
	"github.com/jogardn/chainfood/internal/ledger"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

const maxWait = 30 * time.Second

// Node is the part of the ledger node the HTTP surface serves.
type Node interface {
	ledger.Client
	Receipt(txID string) (ledger.Receipt, bool)
	Height() uint64
}

type Handler struct {
	node        Node
	content     content.Store
	allowOrigin string
	logger      *logrus.Logger
}

func NewHandler(node Node, logger *logrus.Logger) *Handler {
	return &Handler{
		node:   node,
		logger: logger,
	}
}

// Router mounts the ledger API. ws may be nil.
func (h *Handler) Router(ws http.HandlerFunc) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/v1/tx", h.SubmitTransaction).Methods("POST")
	router.HandleFunc("/v1/tx/{id}", h.GetTransaction).Methods("GET")
	router.HandleFunc("/v1/state/{entity}", h.ReadState).Methods("GET")
	router.HandleFunc("/v1/state/{entity}/{key}", h.ReadState).Methods("GET")
	if h.content != nil {
		router.HandleFunc("/v1/content", h.PutContent).Methods("POST")
		router.HandleFunc("/v1/content/{hash}", h.GetContent).Methods("GET")
	}
	if ws != nil {
		router.HandleFunc("/ws", ws)
	}
	if h.allowOrigin != "" {
		router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		router.Use(corsMiddleware(h.allowOrigin))
	}
	router.Use(loggingMiddleware(h.logger))
	return router
}

func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var call ledger.Call
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		h.logger.WithError(err).Warn("Failed to decode transaction")
		h.respondWithError(w, http.StatusBadRequest, models.CodeInvalidArgument, "Invalid request body")
		return
	}

	txID, err := h.node.Submit(r.Context(), call)
	if err != nil {
		h.respondWithErr(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, ledger.SubmitResponse{TxID: txID})
}

// GetTransaction returns the receipt. With ?wait=<duration> it blocks until
// the receipt is final or the wait elapses, answering 202 while pending.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["id"]

	wait := time.Duration(0)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			h.respondWithError(w, http.StatusBadRequest, models.CodeInvalidArgument, "Invalid wait duration")
			return
		}
		if d > maxWait {
			d = maxWait
		}
		wait = d
	}

	receipt, ok := h.node.Receipt(txID)
	if !ok {
		h.respondWithError(w, http.StatusNotFound, models.CodeNotFound, "Transaction not found")
		return
	}

	if !receipt.Final() && wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()

		awaited, err := h.node.Await(ctx, txID)
		if err == nil {
			receipt = awaited
		}
	}

	if !receipt.Final() {
		h.respondWithJSON(w, http.StatusAccepted, receipt)
		return
	}
	h.respondWithJSON(w, http.StatusOK, receipt)
}

func (h *Handler) ReadState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	query := ledger.Query{Entity: vars["entity"], Key: vars["key"]}

	var value json.RawMessage
	if err := h.node.Read(r.Context(), query, &value); err != nil {
		h.respondWithErr(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, value)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "ledger-node",
		"height":  h.node.Height(),
	})
}

func (h *Handler) respondWithErr(w http.ResponseWriter, err error) {
	code := models.ErrorCode(err)
	status := StatusForCode(code)
	if errors.Is(err, ledger.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("Request failed")
	}
	h.respondWithError(w, status, code, err.Error())
}

// StatusForCode maps a protocol error code to an HTTP status.
func StatusForCode(code string) int {
	switch code {
	case models.CodeInvalidArgument:
		return http.StatusBadRequest
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeInvalidTransition, models.CodeAlreadyApplied:
		return http.StatusConflict
	case models.CodeTransferFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
		code = http.StatusInternalServerError
		response = []byte(`{"success":false,"message":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, status int, code, message string) {
	if code == models.CodeInternal {
		code = ""
	}
	h.respondWithJSON(w, status, ledger.ErrorBody{
		Success: false,
		Message: message,
		Code:    code,
	})
}

// WithCORS lets browser wallets on origin call the API. "*" allows any.
func (h *Handler) WithCORS(origin string) *Handler {
	h.allowOrigin = origin
	return h
}

func corsMiddleware(origin string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).Milliseconds(),
			}).Debug("Request completed")
		})
	}
}
