package handlers

import (
	"net/http"

	"github.com/agentmesh/trustplane/internal/report"
)

// ── Dashboard & Export Handlers ──────────────────────────────

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.Reports.Dashboard(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// ExportFlat serves the flat key-value export of a fresh snapshot. With
// ?format=csv the same pairs are rendered as two-column CSV.
func (h *Handlers) ExportFlat(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.Reports.Dashboard(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		raw, err := report.ExportCSV(snapshot)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="trustplane-snapshot.csv"`)
		w.WriteHeader(http.StatusOK)
		w.Write(raw)
		return
	}

	respondJSON(w, http.StatusOK, report.ExportFlat(snapshot))
}

// ExportJSON serves the nested structured export of a fresh snapshot.
func (h *Handlers) ExportJSON(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.Reports.Dashboard(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	raw, err := report.ExportJSON(snapshot)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// ── Rollup Report Handlers ───────────────────────────────────

func (h *Handlers) GetROIReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.ROI(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (h *Handlers) GetComplianceReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.Compliance(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rep)
}
