package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texrender/internal/db"
	"texrender/internal/latex"
	"texrender/internal/latex/compiler"
	"texrender/internal/latex/policy"
)

type fakeRenderer struct {
	diagramReq  latex.DiagramRequest
	documentReq latex.DocumentRequest
	diagram     *latex.DiagramResult
	document    *latex.DocumentResult
	err         error
}

func (f *fakeRenderer) RenderDiagram(_ context.Context, req latex.DiagramRequest) (*latex.DiagramResult, error) {
	f.diagramReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.diagram, nil
}

func (f *fakeRenderer) CompileDocument(_ context.Context, req latex.DocumentRequest) (*latex.DocumentResult, error) {
	f.documentReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.document, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	h := NewRouter(NewHandler(&fakeRenderer{}, nil, 0), nil)

	rec, out := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "ok", "service": "tikz-latex-render-api", "version": "1.1.0"}, out)
}

func TestCompileDefaultsAndPNG(t *testing.T) {
	fake := &fakeRenderer{diagram: &latex.DiagramResult{JobID: "j1", Format: "png", PNG: []byte("PNG"), ArtifactKey: "renders/j1.png"}}
	h := NewRouter(NewHandler(fake, nil, 0), nil)

	rec, out := do(t, h, http.MethodPost, "/compile", `{"source":"\\draw (0,0);","packages":["xcolor"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("PNG")), out["image_base64"])
	assert.NotContains(t, out, "pdf_base64")
	assert.NotContains(t, out, "log")
	assert.NotContains(t, out, "warnings")
	assert.Equal(t, "j1", out["job_id"])
	assert.Equal(t, "renders/j1.png", out["artifact_key"])

	assert.True(t, fake.diagramReq.Transparent)
	assert.Equal(t, `\draw (0,0);`, fake.diagramReq.Source)
	assert.Equal(t, []string{"xcolor"}, fake.diagramReq.Packages)
}

func TestCompileOpaquePDF(t *testing.T) {
	fake := &fakeRenderer{diagram: &latex.DiagramResult{JobID: "j2", Format: "pdf", PDF: []byte("%PDF"), Log: "log text", Warnings: []string{`Overfull \hbox near line 3`}}}
	h := NewRouter(NewHandler(fake, nil, 0), nil)

	rec, out := do(t, h, http.MethodPost, "/compile",
		`{"source":"x","format":"pdf","transparent":false,"density":150,"mode":"body","preamble":"\\def\\a{1}","return_log":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF")), out["pdf_base64"])
	assert.NotContains(t, out, "image_base64")
	assert.Equal(t, "log text", out["log"])
	assert.Equal(t, []any{`Overfull \hbox near line 3`}, out["warnings"])

	assert.False(t, fake.diagramReq.Transparent)
	assert.Equal(t, 150, fake.diagramReq.Density)
	assert.Equal(t, "body", fake.diagramReq.Mode)
	assert.Equal(t, `\def\a{1}`, fake.diagramReq.Preamble)
	assert.True(t, fake.diagramReq.ReturnLog)
}

func TestCompileBadRequests(t *testing.T) {
	h := NewRouter(NewHandler(&fakeRenderer{}, nil, 64), nil)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"invalid json", "/compile", `{"source":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing source", "/compile", `{"mode":"auto"}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing tex", "/compile-tex", `{}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"too large", "/compile", `{"source":"` + strings.Repeat("a", 200) + `"}`, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, out["ok"])
			assert.Equal(t, tt.code, out["code"])
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewRouter(NewHandler(&fakeRenderer{}, nil, 0), nil)

	rec, _ := do(t, h, http.MethodGet, "/compile", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServiceErrorMapping(t *testing.T) {
	longLog := strings.Repeat("x", 20000)
	tests := []struct {
		name    string
		path    string
		body    string
		err     error
		status  int
		code    string
		token   string
		logLen  int
		timeout bool
	}{
		{
			name: "forbidden", path: "/compile", body: `{"source":"x"}`,
			err:    &compiler.ForbiddenConstructError{Reason: "forbidden command", Token: `\write18`},
			status: http.StatusBadRequest, code: "FORBIDDEN_CONSTRUCT", token: `\write18`,
		},
		{
			name: "too long", path: "/compile-tex", body: `{"tex":"x"}`,
			err:    &compiler.InputTooLongError{Limit: 500000, Length: 500001},
			status: http.StatusBadRequest, code: "INPUT_TOO_LONG",
		},
		{
			name: "validation", path: "/compile", body: `{"source":"x"}`,
			err:    &latex.ValidationError{Field: "density", Message: "must be between 72 and 600"},
			status: http.StatusBadRequest, code: "VALIDATION_ERROR",
		},
		{
			name: "diagram compile", path: "/compile", body: `{"source":"x"}`,
			err:    &latex.CompilationError{Log: longLog, Summary: "boom"},
			status: http.StatusBadRequest, code: "COMPILATION_FAILED", logLen: latex.DiagramLogExcerpt,
		},
		{
			name: "document compile", path: "/compile-tex", body: `{"tex":"x"}`,
			err:    &latex.CompilationError{Log: longLog, Summary: "boom"},
			status: http.StatusBadRequest, code: "COMPILATION_FAILED", logLen: latex.DocumentLogExcerpt,
		},
		{
			name: "compile timeout", path: "/compile-tex", body: `{"tex":"x"}`,
			err:    &latex.CompilationError{Log: "partial", TimedOut: true},
			status: http.StatusBadRequest, code: "COMPILATION_FAILED", logLen: len("partial"), timeout: true,
		},
		{
			name: "raster", path: "/compile", body: `{"source":"x"}`,
			err:    &latex.RasterizationError{Log: longLog},
			status: http.StatusInternalServerError, code: "RASTERIZATION_FAILED", logLen: latex.DiagramLogExcerpt,
		},
		{
			name: "internal", path: "/compile", body: `{"source":"x"}`,
			err:    errors.New("disk full"),
			status: http.StatusInternalServerError, code: "INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(NewHandler(&fakeRenderer{err: tt.err}, nil, 0), nil)

			rec, out := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, out["ok"])
			assert.Equal(t, tt.code, out["code"])
			assert.NotEmpty(t, out["error"])
			if tt.token != "" {
				assert.Equal(t, tt.token, out["token"])
			}
			if tt.logLen > 0 {
				assert.Len(t, out["log"], tt.logLen)
			} else {
				assert.NotContains(t, out, "log")
			}
			if tt.timeout {
				assert.Equal(t, true, out["timed_out"])
			}
		})
	}
}

func TestCompileTexPassesAssets(t *testing.T) {
	fake := &fakeRenderer{document: &latex.DocumentResult{JobID: "d1", PDF: []byte("%PDF"), Engine: "pdflatex"}}
	h := NewRouter(NewHandler(fake, nil, 0), nil)

	rec, out := do(t, h, http.MethodPost, "/compile-tex",
		`{"tex":"\\documentclass{article}","engine":"lualatex","assets":[{"filename":"a.png","base64":"AAAA"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pdflatex", out["engine"])
	assert.Equal(t, "d1", out["job_id"])
	assert.Equal(t, "lualatex", fake.documentReq.Engine)
	require.Len(t, fake.documentReq.Attachments, 1)
	assert.Equal(t, "a.png", fake.documentReq.Attachments[0].Filename)
	assert.Equal(t, "AAAA", fake.documentReq.Attachments[0].Base64)
}

func TestHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := NewRouter(NewHandler(&fakeRenderer{}, nil, 0), nil)
		rec, out := do(t, h, http.MethodGet, "/api/history", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "HISTORY_DISABLED", out["code"])
	})

	hist, err := db.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer hist.Close()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, hist.Record(context.Background(), db.Record{
			ID: id, Endpoint: "diagram", Status: "done", SourceHash: db.Fingerprint(id),
		}))
		time.Sleep(2 * time.Millisecond)
	}
	h := NewRouter(NewHandler(&fakeRenderer{}, hist, 0), nil)

	rec, out := do(t, h, http.MethodGet, "/api/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records := out["records"].([]any)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].(map[string]any)["id"])

	rec, out = do(t, h, http.MethodGet, "/api/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", out["code"])
}

func TestCORS(t *testing.T) {
	h := NewRouter(NewHandler(&fakeRenderer{}, nil, 0), []string{"https://docs.example"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://docs.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://docs.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

// End to end through the real service with stand-in tool scripts.

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func newServiceRouter(t *testing.T) http.Handler {
	t.Helper()
	bin := t.TempDir()
	cfg := &latex.Config{
		LatexTempDir: filepath.Join(t.TempDir(), "jobs"),
		Engine: writeScript(t, bin, "pdflatex", `if grep -q FAILME main.tex; then echo "! Emergency stop."; exit 1; fi
printf '%%PDF-1.5' > main.pdf
`),
		Rasterizer: writeScript(t, bin, "pdftocairo", `for last; do :; done
printf 'PNG' > "$last.png"
`),
		CompileTimeout:  5 * time.Second,
		DocumentTimeout: 5 * time.Second,
		RasterTimeout:   5 * time.Second,
	}
	svc := latex.NewService(cfg, policy.NewHolder(policy.Default()))
	return NewRouter(NewHandler(svc, nil, 1<<20), nil)
}

func TestEndToEnd(t *testing.T) {
	h := newServiceRouter(t)

	rec, out := do(t, h, http.MethodPost, "/compile", `{"source":"\\draw (0,0) -- (1,1);"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	png, err := base64.StdEncoding.DecodeString(out["image_base64"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte("PNG"), png)

	rec, out = do(t, h, http.MethodPost, "/compile", `{"source":"\\write18{rm -rf /}"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FORBIDDEN_CONSTRUCT", out["code"])
	assert.Equal(t, `\write18`, out["token"])

	rec, out = do(t, h, http.MethodPost, "/compile", `{"source":"\\input{/etc/passwd}"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `\input`, out["token"])

	rec, out = do(t, h, http.MethodPost, "/compile-tex", `{"tex":"\\input{foo}"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pdflatex", out["engine"])

	rec, out = do(t, h, http.MethodPost, "/compile-tex", `{"tex":"FAILME"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "COMPILATION_FAILED", out["code"])
	assert.Contains(t, out["log"], "Emergency stop")

	var body bytes.Buffer
	require.NoError(t, json.NewEncoder(&body).Encode(TexCompileRequest{
		Tex:    "x",
		Assets: []TexAsset{{Filename: `..\evil.sty`, Base64: "AAAA"}},
	}))
	rec, out = do(t, h, http.MethodPost, "/compile-tex", body.String())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", out["code"])
}
