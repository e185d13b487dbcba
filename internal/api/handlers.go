package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/lexarchive/internal/catalog"
	"github.com/starford/lexarchive/internal/ingest"
)

// Handler holds API route handlers.
type Handler struct {
	cat    *catalog.Service
	runner Runner
	runCtx context.Context
}

// NewHandler creates a new Handler. runCtx defaults to context.Background.
func NewHandler(cat *catalog.Service, runner Runner, runCtx context.Context) *Handler {
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Handler{cat: cat, runner: runner, runCtx: runCtx}
}

// urlParam returns a decoded path parameter. Clients may escape the
// characters of fragment codes (e.g. se%3A1).
func urlParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListInstruments handles GET /api/instruments.
//
//	@Summary		List instruments of a jurisdiction
//	@Tags			instruments
//	@Produce		json
//	@Param			jurisdiction_code	query		string	true	"Jurisdiction code"	example(QC)
//	@Success		200					{object}	InstrumentListResponse
//	@Failure		400					{object}	errResponse
//	@Security		BearerAuth
//	@Router			/instruments [get]
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("jurisdiction_code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'jurisdiction_code' is required"))
		return
	}
	rows, err := h.cat.InstrumentsByJurisdiction(r.Context(), code)
	if err != nil {
		writeError(w, "list instruments", err)
		return
	}
	writeJSON(w, http.StatusOK, InstrumentListResponse{Instruments: rows})
}

// GetFragment handles GET /api/instruments/{instrument}/fragments/{code}.
//
//	@Summary		Get a fragment with its lineage, tags and latest content
//	@Tags			fragments
//	@Produce		json
//	@Param			instrument	path		string	true	"Instrument external id"
//	@Param			code		path		string	true	"Fragment code"
//	@Success		200			{object}	FragmentDetail
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/instruments/{instrument}/fragments/{code} [get]
func (h *Handler) GetFragment(w http.ResponseWriter, r *http.Request) {
	d, err := h.cat.Fragment(r.Context(), urlParam(r, "instrument"), urlParam(r, "code"))
	if err != nil {
		writeError(w, "get fragment", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetCurrent handles GET /api/instruments/{instrument}/fragments/{code}/current.
//
//	@Summary		Current content pointer of a fragment
//	@Tags			fragments
//	@Produce		json
//	@Param			instrument	path		string	true	"Instrument external id"
//	@Param			code		path		string	true	"Fragment code"
//	@Success		200			{object}	CurrentResponse
//	@Security		BearerAuth
//	@Router			/instruments/{instrument}/fragments/{code}/current [get]
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	rows, err := h.cat.CurrentByFragment(r.Context(), urlParam(r, "instrument"), urlParam(r, "code"))
	if err != nil {
		writeError(w, "current by fragment", err)
		return
	}
	writeJSON(w, http.StatusOK, CurrentResponse{Current: rows})
}

// ListSnapshots handles GET /api/instruments/{instrument}/fragments/{code}/snapshots.
//
//	@Summary		Dated snapshots of a fragment, oldest first
//	@Tags			fragments
//	@Produce		json
//	@Param			instrument	path		string	true	"Instrument external id"
//	@Param			code		path		string	true	"Fragment code"
//	@Success		200			{object}	SnapshotListResponse
//	@Security		BearerAuth
//	@Router			/instruments/{instrument}/fragments/{code}/snapshots [get]
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	rows, err := h.cat.SnapshotsByFragment(r.Context(), urlParam(r, "instrument"), urlParam(r, "code"))
	if err != nil {
		writeError(w, "snapshots by fragment", err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotListResponse{Snapshots: rows})
}

// ListAnnexes handles GET /api/instruments/{instrument}/fragments/{code}/annexes.
//
//	@Summary		Annex conversion outcomes of a fragment
//	@Tags			fragments
//	@Produce		json
//	@Param			instrument	path		string	true	"Instrument external id"
//	@Param			code		path		string	true	"Fragment code"
//	@Success		200			{object}	AnnexListResponse
//	@Security		BearerAuth
//	@Router			/instruments/{instrument}/fragments/{code}/annexes [get]
func (h *Handler) ListAnnexes(w http.ResponseWriter, r *http.Request) {
	rows, err := h.cat.AnnexesByFragment(r.Context(), urlParam(r, "instrument"), urlParam(r, "code"))
	if err != nil {
		writeError(w, "annexes by fragment", err)
		return
	}
	writeJSON(w, http.StatusOK, AnnexListResponse{Annexes: rows})
}

// Query handles GET /api/queries/{name}.
//
//	@Summary		Run a named downstream query
//	@Tags			queries
//	@Produce		json
//	@Produce		text/csv
//	@Param			name				path		string	true	"Query name"	Enums(current-by-fragment, snapshots-by-fragment, instruments-by-jurisdiction, annexes-by-fragment)
//	@Param			instrument_name		query		string	false	"Instrument external id"
//	@Param			fragment_code		query		string	false	"Fragment code"
//	@Param			jurisdiction_code	query		string	false	"Jurisdiction code"
//	@Param			format				query		string	false	"Output format"	Enums(json, csv)
//	@Success		200					{object}	QueryResponse
//	@Failure		400					{object}	errResponse
//	@Security		BearerAuth
//	@Router			/queries/{name} [get]
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	q, err := catalog.ParseQuery(urlParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
		return
	}
	v := r.URL.Query()
	table, err := h.cat.Run(r.Context(), q, catalog.Params{
		Instrument:   v.Get("instrument_name"),
		Fragment:     v.Get("fragment_code"),
		Jurisdiction: v.Get("jurisdiction_code"),
	})
	if err != nil {
		writeError(w, "query "+string(q), err)
		return
	}
	if wantsCSV(r) {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = table.WriteCSV(w)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Query: string(q), Header: table.Header, Rows: table.Records()})
}

func wantsCSV(r *http.Request) bool {
	if f := r.URL.Query().Get("format"); f != "" {
		return f == "csv"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/csv")
}

// Stats handles GET /api/stats.
//
//	@Summary		Row counts per archive table
//	@Tags			archive
//	@Produce		json
//	@Success		200	{object}	map[string]int
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.cat.Stats(r.Context())
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// Verify handles GET /api/verify.
//
//	@Summary		Archive integrity report
//	@Tags			archive
//	@Produce		json
//	@Success		200	{object}	VerifyResponse
//	@Security		BearerAuth
//	@Router			/verify [get]
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	rep, err := h.cat.Verify(r.Context())
	if err != nil {
		writeError(w, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{OK: rep.OK(), Lines: rep.Lines()})
}

// StartRun handles POST /api/runs.
//
//	@Summary		Start an ingestion run in the background
//	@Tags			runs
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RunRequest	true	"Manifest and options"
//	@Success		202		{object}	RunAccepted
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/runs [post]
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("ingestion is not configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Manifest == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("manifest is required"))
		return
	}
	id, err := h.runner.Start(h.runCtx, req, nil)
	if err != nil {
		if errors.Is(err, ingest.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, errorBody("a run is already in progress"))
			return
		}
		if errors.Is(err, fs.ErrNotExist) {
			writeJSON(w, http.StatusBadRequest, errorBody("manifest not found"))
			return
		}
		writeError(w, "start run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, RunAccepted{RunID: id})
}

// RunStatus handles GET /api/runs/current.
//
//	@Summary		Whether an ingestion run is active
//	@Tags			runs
//	@Produce		json
//	@Success		200	{object}	RunStatus
//	@Security		BearerAuth
//	@Router			/runs/current [get]
func (h *Handler) RunStatus(w http.ResponseWriter, r *http.Request) {
	running := h.runner != nil && h.runner.Running()
	writeJSON(w, http.StatusOK, RunStatus{Running: running})
}
