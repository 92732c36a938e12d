package latex

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"texrender/internal/db"
	"texrender/internal/latex/compiler"
	"texrender/internal/latex/filestore"
	"texrender/internal/latex/job"
	"texrender/internal/latex/policy"
)

// Input limits, in characters.
const (
	DiagramSourceLimit = 120000
	PreambleLimit      = 10000
	DocumentLimit      = 500000
)

// Log excerpt sizes for failure responses.
const (
	DiagramLogExcerpt  = 8000
	DocumentLogExcerpt = 10000
)

const (
	FormatPNG = "png"
	FormatPDF = "pdf"

	DefaultDensity = 300
	MinDensity     = 72
	MaxDensity     = 600

	// DocumentEngine is the only engine /compile-tex runs, whatever the
	// request asks for.
	DocumentEngine = "pdflatex"

	historyTimeout = 5 * time.Second
	rasterPrefix   = "render"
)

var errPanicked = errors.New("render aborted by panic")

// PolicySource yields the policy in force for the next request.
type PolicySource interface {
	Current() *policy.Policy
}

// Recorder stores one history record per request.
type Recorder interface {
	Record(ctx context.Context, r db.Record) error
}

// Archive keeps a copy of successful artifacts and returns the stored key.
type Archive interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// Service runs the two compile flows. It is safe for concurrent use.
type Service struct {
	cfg       *Config
	policies  PolicySource
	store     *filestore.Store
	limiter   *Limiter
	templates compiler.Templates
	history   Recorder
	archive   Archive
}

type Option func(*Service)

func WithHistory(r Recorder) Option { return func(s *Service) { s.history = r } }

func WithArchive(a Archive) Option { return func(s *Service) { s.archive = a } }

func WithTemplates(t compiler.Templates) Option { return func(s *Service) { s.templates = t } }

// NewService builds a Service from cfg. policies is consulted once per request.
func NewService(cfg *Config, policies PolicySource, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		policies:  policies,
		store:     filestore.New(cfg.LatexTempDir, cfg.StylesDir),
		limiter:   NewLimiter(cfg.WorkerPoolSize),
		templates: compiler.DefaultTemplates(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DiagramRequest is a /compile request.
type DiagramRequest struct {
	Source      string
	Mode        string // auto, body or full
	Format      string // png or pdf
	Density     int    // DPI for png, 0 selects DefaultDensity
	Packages    []string
	Preamble    string
	Transparent bool
	ReturnLog   bool
}

// DiagramResult carries exactly one of PNG or PDF, per Format.
type DiagramResult struct {
	JobID       string
	Format      string
	PNG         []byte
	PDF         []byte
	Log         string
	Warnings    []string
	ArtifactKey string
}

// DocumentRequest is a /compile-tex request.
type DocumentRequest struct {
	Tex         string
	Engine      string
	ReturnLog   bool
	Attachments []filestore.Attachment
}

type DocumentResult struct {
	JobID       string
	PDF         []byte
	Log         string
	Warnings    []string
	ArtifactKey string
	Engine      string
}

type diagramParams struct {
	document string
	format   string
	density  int
}

// validateDiagram runs every check that needs no external process.
func (s *Service) validateDiagram(req DiagramRequest) (diagramParams, error) {
	if strings.TrimSpace(req.Source) == "" {
		return diagramParams{}, &ValidationError{Field: "source", Message: "is required"}
	}
	san := compiler.NewSanitizer(s.policies.Current())

	source, err := san.Sanitize(req.Source, DiagramSourceLimit, false)
	if err != nil {
		return diagramParams{}, err
	}
	packages := san.FilterPackages(req.Packages)
	preamble, err := san.Sanitize(req.Preamble, PreambleLimit, false)
	if err != nil {
		return diagramParams{}, err
	}

	mode, ok := compiler.ParseMode(req.Mode)
	if !ok {
		return diagramParams{}, &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	switch format {
	case "":
		format = FormatPNG
	case FormatPNG, FormatPDF:
	default:
		return diagramParams{}, &ValidationError{Field: "format", Message: fmt.Sprintf("unknown format %q", req.Format)}
	}
	density := req.Density
	if density == 0 {
		density = DefaultDensity
	}
	if density < MinDensity || density > MaxDensity {
		return diagramParams{}, &ValidationError{
			Field:   "density",
			Message: fmt.Sprintf("must be between %d and %d", MinDensity, MaxDensity),
		}
	}

	return diagramParams{
		document: s.templates.Assemble(compiler.AssembleInput{
			Source:        source,
			Mode:          mode,
			Packages:      packages,
			ExtraPreamble: preamble,
		}),
		format:  format,
		density: density,
	}, nil
}

// RenderDiagram sanitizes, assembles and compiles a TikZ snippet or document,
// returning a PNG of the first page or the PDF itself.
func (s *Service) RenderDiagram(ctx context.Context, req DiagramRequest) (res *DiagramResult, err error) {
	j := job.NewCompileJob(job.KindDiagram)
	rec := db.Record{
		ID:         j.ID,
		Endpoint:   string(j.Kind),
		Mode:       req.Mode,
		Format:     req.Format,
		SourceHash: db.Fingerprint(req.Source),
	}
	defer func() {
		key := ""
		if res != nil {
			key = res.ArtifactKey
		}
		s.finish(ctx, j, rec, key, res == nil, err)
	}()

	p, err := s.validateDiagram(req)
	if err != nil {
		return nil, err
	}
	rec.Format = p.format

	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	dir, err := s.openJobDir(j)
	if err != nil {
		return nil, err
	}
	defer s.cleanup(j)

	j.SetStatus(job.StatusCompiling)
	cres, err := compiler.Compile(ctx, p.document, dir, s.options(j.Kind))
	if err != nil {
		return nil, fmt.Errorf("writing document: %w", err)
	}
	if err := compileFailure(cres); err != nil {
		return nil, err
	}

	out := &DiagramResult{JobID: j.ID, Format: p.format}
	logText := cres.Log
	if p.format == FormatPDF {
		if out.PDF, err = os.ReadFile(cres.PDFPath); err != nil {
			return nil, err
		}
	} else {
		j.SetStatus(job.StatusRasterizing)
		rr := compiler.Rasterize(ctx, cres.PDFPath, filepath.Join(dir, rasterPrefix), p.density, req.Transparent, s.options(j.Kind))
		if rr.Result.Err != nil {
			return nil, fmt.Errorf("running rasterizer: %w", rr.Result.Err)
		}
		if !rr.OK {
			return nil, &RasterizationError{Log: rr.Log, TimedOut: rr.Result.TimedOut}
		}
		if out.PNG, err = os.ReadFile(rr.PNGPath); err != nil {
			return nil, err
		}
		logText = cres.Log + "\n" + rr.Log
	}
	if req.ReturnLog {
		out.Log = logText
		out.Warnings = compiler.Warnings(cres.Log)
	}

	if p.format == FormatPDF {
		out.ArtifactKey = s.archiveArtifact(ctx, j.ID, FormatPDF, "application/pdf", out.PDF)
	} else {
		out.ArtifactKey = s.archiveArtifact(ctx, j.ID, FormatPNG, "image/png", out.PNG)
	}
	return out, nil
}

// CompileDocument compiles a complete caller-supplied document together with
// its attachments. File inclusion is allowed here; the always-forbidden
// constructs are not.
func (s *Service) CompileDocument(ctx context.Context, req DocumentRequest) (res *DocumentResult, err error) {
	j := job.NewCompileJob(job.KindDocument)
	rec := db.Record{
		ID:         j.ID,
		Endpoint:   string(j.Kind),
		Format:     FormatPDF,
		SourceHash: db.Fingerprint(req.Tex),
	}
	defer func() {
		key := ""
		if res != nil {
			key = res.ArtifactKey
		}
		s.finish(ctx, j, rec, key, res == nil, err)
	}()

	if strings.TrimSpace(req.Tex) == "" {
		return nil, &ValidationError{Field: "tex", Message: "is required"}
	}
	san := compiler.NewSanitizer(s.policies.Current())
	tex, err := san.Sanitize(req.Tex, DocumentLimit, true)
	if err != nil {
		return nil, err
	}
	if req.Engine != "" && !strings.EqualFold(req.Engine, DocumentEngine) {
		log.Printf("job %s: engine %q requested, using %s", j.ID, req.Engine, DocumentEngine)
	}

	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	dir, err := s.openJobDir(j)
	if err != nil {
		return nil, err
	}
	defer s.cleanup(j)

	if err := filestore.WriteAttachments(dir, req.Attachments); err != nil {
		if errors.Is(err, filestore.ErrInvalidFilename) || errors.Is(err, filestore.ErrInvalidAttachment) {
			return nil, &ValidationError{Field: "assets", Message: err.Error()}
		}
		return nil, fmt.Errorf("writing attachments: %w", err)
	}

	j.SetStatus(job.StatusCompiling)
	cres, err := compiler.Compile(ctx, tex, dir, s.options(j.Kind))
	if err != nil {
		return nil, fmt.Errorf("writing document: %w", err)
	}
	if err := compileFailure(cres); err != nil {
		return nil, err
	}

	out := &DocumentResult{JobID: j.ID, Engine: DocumentEngine}
	if out.PDF, err = os.ReadFile(cres.PDFPath); err != nil {
		return nil, err
	}
	if req.ReturnLog {
		out.Log = cres.Log
		out.Warnings = compiler.Warnings(cres.Log)
	}
	out.ArtifactKey = s.archiveArtifact(ctx, j.ID, FormatPDF, "application/pdf", out.PDF)
	return out, nil
}

// openJobDir creates the job's working directory and seeds it with the
// shared style files.
func (s *Service) openJobDir(j *job.CompileJob) (string, error) {
	dir, err := s.store.CreateJobDir(j.ID)
	if err != nil {
		return "", fmt.Errorf("creating job dir: %w", err)
	}
	j.WorkDir = dir
	if _, err := s.store.CopyStyles(dir); err != nil {
		s.cleanup(j)
		return "", fmt.Errorf("copying styles: %w", err)
	}
	return dir, nil
}

func (s *Service) cleanup(j *job.CompileJob) {
	if err := s.store.Cleanup(j.ID); err != nil {
		log.Printf("job %s: cleanup failed: %v", j.ID, err)
	}
}

// options returns the tool settings for a job of kind k. Diagram source is
// untrusted, so its engine run may only read inside the job directory.
func (s *Service) options(k job.Kind) compiler.Options {
	opts := compiler.Options{
		Engine:         s.cfg.Engine,
		Rasterizer:     s.cfg.Rasterizer,
		CompileTimeout: s.cfg.CompileTimeout,
		RasterTimeout:  s.cfg.RasterTimeout,
	}
	if k == job.KindDocument {
		opts.CompileTimeout = s.cfg.DocumentTimeout
	} else {
		opts.RestrictReads = true
	}
	return opts
}

// compileFailure maps an unsuccessful engine run to an error. A tool that
// never started is an internal error, not a compilation failure.
func compileFailure(cres compiler.CompileResult) error {
	if cres.OK {
		return nil
	}
	if cres.Result.Err != nil {
		return fmt.Errorf("running engine: %w", cres.Result.Err)
	}
	return &CompilationError{
		Log:      cres.Log,
		Summary:  compiler.Summarize(cres.Log),
		TimedOut: cres.Result.TimedOut,
	}
}

// archiveArtifact archives an artifact when an archive is configured. Failures are
// logged and yield an empty key.
func (s *Service) archiveArtifact(ctx context.Context, jobID, ext, contentType string, data []byte) string {
	if s.archive == nil {
		return ""
	}
	key, err := s.archive.Put(ctx, jobID+"."+ext, contentType, data)
	if err != nil {
		log.Printf("job %s: archive failed: %v", jobID, err)
		return ""
	}
	return key
}

// finish settles the job, logs a one-line summary and writes history.
// failed with a nil err means the flow panicked.
func (s *Service) finish(ctx context.Context, j *job.CompileJob, rec db.Record, artifactKey string, failed bool, err error) {
	if failed && err == nil {
		err = errPanicked
	}
	switch {
	case err == nil:
		j.SetDone()
	case IsRejection(err):
		j.SetError(job.StatusRejected, ErrorCode(err), err.Error())
	default:
		j.SetError(job.StatusError, ErrorCode(err), err.Error())
	}

	status, code, _ := j.Snapshot()
	rec.Status = string(status)
	rec.Code = code
	rec.DurationMS = j.Duration().Milliseconds()
	rec.ArtifactKey = artifactKey
	rec.CreatedAt = j.CreatedAt
	var forbidden *compiler.ForbiddenConstructError
	if errors.As(err, &forbidden) {
		rec.Token = forbidden.Token
	}

	if err != nil {
		log.Printf("job %s (%s): %s %s in %dms: %v", j.ID, j.Kind, status, code, rec.DurationMS, err)
	} else {
		log.Printf("job %s (%s): done in %dms", j.ID, j.Kind, rec.DurationMS)
	}

	if s.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := s.history.Record(hctx, rec); err != nil {
		log.Printf("job %s: history: %v", j.ID, err)
	}
}
