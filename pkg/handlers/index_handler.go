package handlers

import (
	"net/http"

	"github.com/TFMV/queryscope/pkg/models"
	"github.com/TFMV/queryscope/pkg/services"
)

// IndexHandler serves manual index management.
type IndexHandler struct {
	indexService services.IndexService
	logger       Logger
}

// NewIndexHandler creates a new index handler.
func NewIndexHandler(indexService services.IndexService, logger Logger) *IndexHandler {
	return &IndexHandler{
		indexService: indexService,
		logger:       logger,
	}
}

// ManageIndex handles POST /api/manage-index.
func (h *IndexHandler) ManageIndex(w http.ResponseWriter, r *http.Request) {
	var req models.IndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.indexService.Manage(r.Context(), &req)
	if err != nil {
		h.logger.Warn("Index request failed", "action", string(req.Action), "table", req.Table, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
