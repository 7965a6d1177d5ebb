// Package web serves the browser shell: an upload form with two actions that
// forward the image to a vision model and render the reply.
package web

import (
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/menta2k/vision-qa/internal/utils"
	"github.com/menta2k/vision-qa/pkg/config"
	"github.com/menta2k/vision-qa/pkg/inference"
	"github.com/menta2k/vision-qa/pkg/ollama"
	"github.com/menta2k/vision-qa/pkg/processing"
	"github.com/menta2k/vision-qa/pkg/types"
)

//go:embed templates/*.html
var templateFS embed.FS

// Input errors reported back to the user with status 400
var (
	ErrUnknownModel      = errors.New("unknown model")
	ErrTokensOutOfRange  = errors.New("max tokens out of range")
	ErrMissingImage      = errors.New("upload an image first")
	ErrUnsupportedUpload = errors.New("only image uploads are accepted")
)

const probeTimeout = 3 * time.Second

// Actions are the two user actions the shell can trigger
type Actions interface {
	Answer(ctx context.Context, model, question string, image []byte, maxTokens int) (string, error)
	Summarize(ctx context.Context, model string, image []byte, maxTokens int) (string, error)
}

// Preparer validates uploaded image bytes
type Preparer interface {
	PrepareUpload(data []byte) (*types.Upload, error)
}

// Probe reports on the inference server
type Probe interface {
	Version(ctx context.Context) (string, error)
	InstalledModels(ctx context.Context) ([]string, error)
}

// Server is the web shell
type Server struct {
	cfg       *config.Config
	actions   Actions
	processor Preparer
	probe     Probe
	logger    zerolog.Logger
	tmpl      *template.Template
}

type pageData struct {
	Title         string
	Models        []types.ModelStatus
	Probed        bool
	ServerDown    bool
	Selected      string
	Tokens        config.TokenConfig
	MaxTokens     int
	Question      string
	Accept        string
	AcceptLabel   string
	ImageURL      template.URL
	ImageData     string
	ImageName     string
	ResultHeading string
	Result        string
	Error         string
	RequestID     string
}

// formInput is the parsed content of an action submission
type formInput struct {
	model     string
	maxTokens int
	question  string
	upload    *types.Upload
	name      string
}

// NewServer creates the shell. probe may be nil, in which case model
// availability is not shown.
func NewServer(cfg *config.Config, actions Actions, processor Preparer, probe Probe, logger zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	tmpl, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return &Server{
		cfg:       cfg,
		actions:   actions,
		processor: processor,
		probe:     probe,
		logger:    logger,
		tmpl:      tmpl,
	}, nil
}

// Handler returns the HTTP routes of the shell
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.indexHandler)
	mux.HandleFunc("/answer", s.answerHandler)
	mux.HandleFunc("/summarize", s.summarizeHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/api/models", s.modelsHandler)
	return s.withRequestID(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Server.Addr).Msg("web shell listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info().Msg("shutting down web shell")
		return srv.Shutdown(shutdownCtx)
	}
}

type ctxKey struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		logger := s.logger.With().Str("request_id", id).Logger()
		ctx := context.WithValue(r.Context(), ctxKey{}, id)
		ctx = logger.WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// Handler for the upload form
func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.render(w, r, http.StatusOK, s.newPage(r))
}

// Handler for the "Get Answer" action
func (s *Server) answerHandler(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "Answer", func(ctx context.Context, in formInput) (string, error) {
		return s.actions.Answer(ctx, in.model, in.question, in.upload.Data, in.maxTokens)
	})
}

// Handler for the "Summarize" action
func (s *Server) summarizeHandler(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "Summary", func(ctx context.Context, in formInput) (string, error) {
		return s.actions.Summarize(ctx, in.model, in.upload.Data, in.maxTokens)
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, heading string, run func(context.Context, formInput) (string, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := zerolog.Ctx(r.Context())
	page := s.newPage(r)

	in, err := s.parseForm(w, r)
	page.Question = in.question
	if in.model != "" {
		page.Selected = in.model
	}
	if in.maxTokens != 0 {
		page.MaxTokens = in.maxTokens
	}
	if in.upload != nil {
		page.ImageURL = template.URL(processing.DataURL(in.upload))
		page.ImageData = base64.StdEncoding.EncodeToString(in.upload.Data)
		page.ImageName = in.name
	}
	if err != nil {
		logger.Warn().Err(err).Str("action", strings.ToLower(heading)).Msg("rejected form input")
		page.Error = err.Error()
		s.render(w, r, inputStatus(err), page)
		return
	}

	logger.Info().
		Str("action", strings.ToLower(heading)).
		Str("model", in.model).
		Int("max_tokens", in.maxTokens).
		Str("image", in.name).
		Str("size", utils.FormatFileSize(int64(len(in.upload.Data)))).
		Msg("forwarding request")

	text, err := run(r.Context(), in)
	if err != nil {
		status := http.StatusInternalServerError
		if IsBackendError(err) {
			status = http.StatusBadGateway
		}
		page.Error = "Request to the model failed: " + err.Error()
		s.render(w, r, status, page)
		return
	}

	page.ResultHeading = heading
	page.Result = text
	s.render(w, r, http.StatusOK, page)
}

// parseForm reads and validates an action submission. The returned input is
// filled as far as parsing got, so the form can be re-rendered on error.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) (formInput, error) {
	var in formInput

	// base64 re-posts of the previous image grow by a third
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxBytes*2+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			return in, fmt.Errorf("failed to read form: %w", err)
		}
		if err := r.ParseForm(); err != nil {
			return in, fmt.Errorf("failed to read form: %w", err)
		}
	}

	in.question = r.FormValue("question")
	in.model = r.FormValue("model")

	data, name, err := s.readImage(r)
	if err != nil {
		return in, err
	}
	in.upload, err = s.processor.PrepareUpload(data)
	if err != nil {
		return in, err
	}
	in.name = name

	if !s.cfg.HasModel(in.model) {
		return in, fmt.Errorf("%w: %q", ErrUnknownModel, in.model)
	}

	in.maxTokens, err = strconv.Atoi(strings.TrimSpace(r.FormValue("max_tokens")))
	if err != nil {
		return in, fmt.Errorf("%w: not a number", ErrTokensOutOfRange)
	}
	if in.maxTokens < s.cfg.Tokens.Min || in.maxTokens > s.cfg.Tokens.Max {
		return in, fmt.Errorf("%w: %d is not between %d and %d", ErrTokensOutOfRange, in.maxTokens, s.cfg.Tokens.Min, s.cfg.Tokens.Max)
	}

	return in, nil
}

// readImage returns the uploaded file, or the previously uploaded image carried in the form
func (s *Server) readImage(r *http.Request) ([]byte, string, error) {
	file, header, err := r.FormFile("image")
	switch {
	case err == nil:
		defer file.Close()
		name := utils.SanitizeFilename(header.Filename)
		if !utils.HasExtension(name, s.cfg.Upload.Formats) {
			return nil, "", fmt.Errorf("%w: %s (allowed: %s)", ErrUnsupportedUpload, name, strings.Join(s.cfg.Upload.Formats, ", "))
		}
		data, err := io.ReadAll(io.LimitReader(file, s.cfg.Upload.MaxBytes+1))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read upload: %w", err)
		}
		if err := s.checkSize(data); err != nil {
			return nil, "", err
		}
		return data, name, nil
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		prev := r.FormValue("image_data")
		if prev == "" {
			return nil, "", ErrMissingImage
		}
		data, err := base64.StdEncoding.DecodeString(prev)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedUpload, err)
		}
		if err := s.checkSize(data); err != nil {
			return nil, "", err
		}
		return data, "", nil
	default:
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}
}

// checkSize applies the upload limit to image bytes from either form field
func (s *Server) checkSize(data []byte) error {
	if int64(len(data)) > s.cfg.Upload.MaxBytes {
		return fmt.Errorf("%w: image larger than %s", ErrUnsupportedUpload, utils.FormatFileSize(s.cfg.Upload.MaxBytes))
	}
	return nil
}

func inputStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// Handler for health checks
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.probe == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	version, err := s.probe.Version(ctx)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("ollama not reachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

// Handler for the configured model list
func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	models, ok := s.modelStatus(r.Context())
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, models)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

// modelStatus lists configured models, marking installed ones when the server answers
func (s *Server) modelStatus(ctx context.Context) ([]types.ModelStatus, bool) {
	if s.probe != nil {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		installed, err := s.probe.InstalledModels(ctx)
		if err == nil {
			return ollama.MatchModels(s.cfg.Ollama.Models, installed), true
		}
		zerolog.Ctx(ctx).Debug().Err(err).Msg("model listing failed")
	}
	return ollama.MatchModels(s.cfg.Ollama.Models, nil), false
}

func (s *Server) newPage(r *http.Request) pageData {
	models, probed := s.modelStatus(r.Context())
	accept := make([]string, 0, len(s.cfg.Upload.Formats))
	for _, f := range s.cfg.Upload.Formats {
		accept = append(accept, "."+f)
	}
	return pageData{
		Title:       s.cfg.Server.Title,
		Models:      models,
		Probed:      probed,
		ServerDown:  s.probe != nil && !probed,
		Selected:    s.cfg.Ollama.Models[0],
		Tokens:      s.cfg.Tokens,
		MaxTokens:   s.cfg.Tokens.Default,
		Accept:      strings.Join(accept, ","),
		AcceptLabel: strings.ToUpper(strings.Join(s.cfg.Upload.Formats, "/")),
		RequestID:   requestID(r),
	}
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, page pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.tmpl.ExecuteTemplate(w, "index.html", page); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("template render failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// IsBackendError reports whether err came from the inference exchange rather than user input
func IsBackendError(err error) bool {
	return inference.IsTransport(err) || inference.IsMalformed(err)
}
