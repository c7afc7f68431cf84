package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jogardn/chainfood/internal/content"
	"github.com/jogardn/chainfood/pkg/models"
)

const maxContentSize = 1 << 20

type ContentResponse struct {
	Hash string `json:"hash"`
}

// WithContent serves menus and order details under /v1/content.
func (h *Handler) WithContent(store content.Store) *Handler {
	h.content = store
	return h
}

func (h *Handler) PutContent(w http.ResponseWriter, r *http.Request) {
	var blob json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxContentSize)).Decode(&blob); err != nil {
		h.respondWithError(w, http.StatusBadRequest, models.CodeInvalidArgument, "Invalid JSON document")
		return
	}

	hash, err := h.content.Put(r.Context(), blob)
	if err != nil {
		h.respondWithContentErr(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, ContentResponse{Hash: hash})
}

func (h *Handler) GetContent(w http.ResponseWriter, r *http.Request) {
	blob, err := h.content.Get(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		h.respondWithContentErr(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, blob)
}

func (h *Handler) respondWithContentErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, content.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, models.CodeNotFound, err.Error())
	case errors.Is(err, content.ErrTooLarge):
		h.respondWithError(w, http.StatusUnprocessableEntity, models.CodeInvalidArgument, err.Error())
	default:
		h.logger.WithError(err).Error("Content store request failed")
		h.respondWithError(w, http.StatusServiceUnavailable, "", err.Error())
	}
}
