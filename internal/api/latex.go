package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"texrender/internal/db"
	"texrender/internal/latex"
	"texrender/internal/latex/compiler"
	"texrender/internal/latex/filestore"
	"texrender/pkg/utils"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const (
	serviceName    = "tikz-latex-render-api"
	serviceVersion = "1.1.0"
)

// Renderer is the part of latex.Service the handlers call.
type Renderer interface {
	RenderDiagram(ctx context.Context, req latex.DiagramRequest) (*latex.DiagramResult, error)
	CompileDocument(ctx context.Context, req latex.DocumentRequest) (*latex.DocumentResult, error)
}

// HistoryReader lists recent compile records.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]db.Record, error)
}

// Handler serves the render API.
type Handler struct {
	renderer Renderer
	history  HistoryReader // nil when history is disabled
	maxBody  int64
}

// NewHandler wires the handlers. history may be nil.
func NewHandler(renderer Renderer, history HistoryReader, maxBody int64) *Handler {
	return &Handler{renderer: renderer, history: history, maxBody: maxBody}
}

// NewRouter returns the full HTTP handler: routes, CORS, access log and
// panic recovery.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/compile", h.Compile).Methods(http.MethodPost)
	r.HandleFunc("/compile-tex", h.CompileTex).Methods(http.MethodPost)
	r.HandleFunc("/api/history", h.History).Methods(http.MethodGet)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(log.Writer(), corsHandler(r)),
	)
}

// CompileRequest is the JSON body for POST /compile.
type CompileRequest struct {
	Source      string   `json:"source"`
	Mode        string   `json:"mode,omitempty"`   // auto, body or full
	Format      string   `json:"format,omitempty"` // png or pdf
	Density     int      `json:"density,omitempty"`
	Packages    []string `json:"packages,omitempty"`
	Preamble    string   `json:"preamble,omitempty"`
	Transparent *bool    `json:"transparent,omitempty"` // defaults to true
	ReturnLog   bool     `json:"return_log,omitempty"`
}

type CompileResponse struct {
	OK          bool     `json:"ok"`
	ImageBase64 string   `json:"image_base64,omitempty"`
	PDFBase64   string   `json:"pdf_base64,omitempty"`
	Log         string   `json:"log,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	JobID       string   `json:"job_id"`
	ArtifactKey string   `json:"artifact_key,omitempty"`
}

// TexAsset is a file shipped alongside a /compile-tex document.
type TexAsset struct {
	Filename string `json:"filename"`
	Base64   string `json:"base64"`
}

// TexCompileRequest is the JSON body for POST /compile-tex.
type TexCompileRequest struct {
	Tex       string     `json:"tex"`
	Engine    string     `json:"engine,omitempty"`
	ReturnLog bool       `json:"return_log,omitempty"`
	Assets    []TexAsset `json:"assets,omitempty"`
}

type TexCompileResponse struct {
	OK          bool     `json:"ok"`
	PDFBase64   string   `json:"pdf_base64,omitempty"`
	Log         string   `json:"log,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	JobID       string   `json:"job_id"`
	Engine      string   `json:"engine"`
	ArtifactKey string   `json:"artifact_key,omitempty"`
}

type errorResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Code     string `json:"code"`
	Token    string `json:"token,omitempty"`
	Log      string `json:"log,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func latexError(w http.ResponseWriter, errMsg, code string, status int) {
	writeJSON(w, status, errorResponse{Error: errMsg, Code: code})
}

// writeServiceError maps a service error to its status and envelope. Engine
// logs are cut to excerpt characters.
func writeServiceError(w http.ResponseWriter, err error, excerpt int) {
	status, resp := mapServiceError(err, excerpt)
	if status >= http.StatusInternalServerError {
		log.Printf("render failed: %v", err)
	}
	writeJSON(w, status, resp)
}

func mapServiceError(err error, excerpt int) (int, errorResponse) {
	code := latex.ErrorCode(err)
	resp := errorResponse{Error: err.Error(), Code: code}

	var (
		forbidden *compiler.ForbiddenConstructError
		compErr   *latex.CompilationError
		rastErr   *latex.RasterizationError
	)
	switch code {
	case latex.CodeValidation, latex.CodeInputTooLong:
		return http.StatusBadRequest, resp
	case latex.CodeForbidden:
		if errors.As(err, &forbidden) {
			resp.Token = forbidden.Token
		}
		return http.StatusBadRequest, resp
	case latex.CodeCompilation:
		if errors.As(err, &compErr) {
			resp.Log = utils.Truncate(compErr.Log, excerpt)
			resp.TimedOut = compErr.TimedOut
		}
		return http.StatusBadRequest, resp
	case latex.CodeRasterization:
		if errors.As(err, &rastErr) {
			resp.Log = utils.Truncate(rastErr.Log, latex.DiagramLogExcerpt)
			resp.TimedOut = rastErr.TimedOut
		}
		return http.StatusInternalServerError, resp
	default:
		resp.Error = "internal error: " + err.Error()
		return http.StatusInternalServerError, resp
	}
}

// decodeBody reads a size-capped JSON body into v, writing the error
// response itself on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			latexError(w, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		latexError(w, "invalid JSON", "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}

// Health handles GET /
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// Compile handles POST /compile
func (h *Handler) Compile(w http.ResponseWriter, r *http.Request) {
	var req CompileRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		latexError(w, "source is required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	transparent := true
	if req.Transparent != nil {
		transparent = *req.Transparent
	}

	res, err := h.renderer.RenderDiagram(r.Context(), latex.DiagramRequest{
		Source:      req.Source,
		Mode:        req.Mode,
		Format:      req.Format,
		Density:     req.Density,
		Packages:    req.Packages,
		Preamble:    req.Preamble,
		Transparent: transparent,
		ReturnLog:   req.ReturnLog,
	})
	if err != nil {
		writeServiceError(w, err, latex.DiagramLogExcerpt)
		return
	}

	resp := CompileResponse{OK: true, Log: res.Log, Warnings: res.Warnings, JobID: res.JobID, ArtifactKey: res.ArtifactKey}
	if res.Format == latex.FormatPDF {
		resp.PDFBase64 = base64.StdEncoding.EncodeToString(res.PDF)
	} else {
		resp.ImageBase64 = base64.StdEncoding.EncodeToString(res.PNG)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CompileTex handles POST /compile-tex
func (h *Handler) CompileTex(w http.ResponseWriter, r *http.Request) {
	var req TexCompileRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Tex == "" {
		latexError(w, "tex is required", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	atts := make([]filestore.Attachment, 0, len(req.Assets))
	for _, a := range req.Assets {
		atts = append(atts, filestore.Attachment{Filename: a.Filename, Base64: a.Base64})
	}

	res, err := h.renderer.CompileDocument(r.Context(), latex.DocumentRequest{
		Tex:         req.Tex,
		Engine:      req.Engine,
		ReturnLog:   req.ReturnLog,
		Attachments: atts,
	})
	if err != nil {
		writeServiceError(w, err, latex.DocumentLogExcerpt)
		return
	}

	writeJSON(w, http.StatusOK, TexCompileResponse{
		OK:          true,
		PDFBase64:   base64.StdEncoding.EncodeToString(res.PDF),
		Log:         res.Log,
		Warnings:    res.Warnings,
		JobID:       res.JobID,
		Engine:      res.Engine,
		ArtifactKey: res.ArtifactKey,
	})
}

// History handles GET /api/history?limit=N
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		latexError(w, "history is not enabled", "HISTORY_DISABLED", http.StatusServiceUnavailable)
		return
	}
	limit := db.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			latexError(w, "limit must be a positive integer", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("history query failed: %v", err)
		latexError(w, "failed to read history", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
