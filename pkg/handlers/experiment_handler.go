package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/models"
	"github.com/TFMV/queryscope/pkg/services"
)

// Dashboard action names accepted by /api/modify-data.
const (
	ActionIndexCostTest      = "index_cost_test"
	ActionSelectivityTest    = "selectivity_test"
	ActionCompositeTest      = "composite_test"
	ActionCheckCompositeData = "check_composite_data"
)

var actionFamilies = map[string]models.Family{
	ActionIndexCostTest:   models.FamilyWriteCost,
	ActionSelectivityTest: models.FamilySelectivity,
	ActionCompositeTest:   models.FamilyComposite,
}

// stepID accepts a step as either a JSON string or a bare number.
type stepID string

func (s *stepID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = stepID(str)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("step must be a string or a number, got %s", data)
	}
	*s = stepID(data)
	return nil
}

type modifyDataRequest struct {
	Action    string                `json:"action"`
	Step      stepID                `json:"step"`
	Threshold float64               `json:"threshold,omitempty"`
	Session   *models.LadderSession `json:"session,omitempty"`
}

type stepParams struct {
	Threshold float64               `json:"threshold,omitempty"`
	Session   *models.LadderSession `json:"session,omitempty"`
}

// stepDetails mirrors the per-step detail block the dashboard charts read.
type stepDetails struct {
	ScanType    string `json:"scanType"`
	RowsScanned int64  `json:"rowsScanned"`
	RowsRemoved int64  `json:"rowsRemoved"`
	IndexName   string `json:"indexName"`
}

type stepResponse struct {
	*models.StepResult
	Details  stepDetails `json:"details"`
	IdxName  string      `json:"idxName"`
	PlanType string      `json:"planType"`
	Count    int64       `json:"count"`
}

type seededResponse struct {
	Family models.Family `json:"family"`
	Count  int64         `json:"count"`
}

func newStepResponse(r *models.StepResult) stepResponse {
	indexName := r.IndexName
	if indexName == "" {
		indexName = "N/A"
	}
	idxName := "No Index"
	if len(r.IndexSet) > 0 {
		idxName = r.IndexSet[0]
	}
	return stepResponse{
		StepResult: r,
		Details: stepDetails{
			ScanType:    r.Scan.Label(),
			RowsScanned: r.RowsScanned,
			RowsRemoved: r.RowsRemoved,
			IndexName:   indexName,
		},
		IdxName:  idxName,
		PlanType: r.Scan.Label(),
		Count:    r.TableRows,
	}
}

// ExperimentHandler serves the experiment families.
type ExperimentHandler struct {
	experimentService services.ExperimentService
	logger            Logger
}

// NewExperimentHandler creates a new experiment handler.
func NewExperimentHandler(experimentService services.ExperimentService, logger Logger) *ExperimentHandler {
	return &ExperimentHandler{
		experimentService: experimentService,
		logger:            logger,
	}
}

// ModifyData handles POST /api/modify-data, the dashboard's action-keyed
// entry point for every experiment step.
func (h *ExperimentHandler) ModifyData(w http.ResponseWriter, r *http.Request) {
	var req modifyDataRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Action == ActionCheckCompositeData {
		h.writeSeeded(w, r, models.FamilyComposite)
		return
	}

	family, ok := actionFamilies[req.Action]
	if !ok {
		writeError(w, errors.Newf(errors.CodeInvalidRequest, "unknown action %q", req.Action))
		return
	}

	h.runStep(w, r, &models.StepRequest{
		Family:    family,
		Step:      string(req.Step),
		Threshold: req.Threshold,
		Session:   req.Session,
	})
}

// RunStep handles POST /api/experiments/{family}/steps/{step}.
func (h *ExperimentHandler) RunStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var params stepParams
	if err := decodeBody(r, &params); err != nil {
		writeError(w, err)
		return
	}

	h.runStep(w, r, &models.StepRequest{
		Family:    models.Family(vars["family"]),
		Step:      vars["step"],
		Threshold: params.Threshold,
		Session:   params.Session,
	})
}

// CheckSeeded handles GET /api/experiments/{family}/seeded.
func (h *ExperimentHandler) CheckSeeded(w http.ResponseWriter, r *http.Request) {
	h.writeSeeded(w, r, models.Family(mux.Vars(r)["family"]))
}

// Catalog handles GET /api/experiments.
func (h *ExperimentHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.experimentService.Catalog())
}

func (h *ExperimentHandler) runStep(w http.ResponseWriter, r *http.Request, req *models.StepRequest) {
	result, err := h.experimentService.RunStep(r.Context(), req)
	if err != nil {
		h.logger.Warn("Experiment step rejected", "family", string(req.Family), "step", req.Step, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStepResponse(result))
}

func (h *ExperimentHandler) writeSeeded(w http.ResponseWriter, r *http.Request, family models.Family) {
	status, err := h.experimentService.CheckSeeded(r.Context(), family)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seededResponse{Family: status.Family, Count: status.Count})
}
