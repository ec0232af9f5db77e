// Package serve exposes a trained classifier over HTTP: uploaded images go
// through the evaluation transforms and the feature network, then the SVM.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cnnsvm/internal/common"
	"cnnsvm/internal/dataset"
	"cnnsvm/internal/extractor"
	"cnnsvm/internal/svm"
	"cnnsvm/internal/transforms"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	maxUploadBytes  = 20 << 20
	maxUploadPixels = 40 << 20
)

// MetricsInterface defines metrics methods needed by the server
type MetricsInterface interface {
	ClassifyObserve(outcome string, d time.Duration)
}

// Config wires a Server. Gatherer and Metrics are optional.
type Config struct {
	Port       int
	Model      *svm.Model
	Extractor  *extractor.Extractor
	Transform  *transforms.Pipeline
	ClassNames []string
	Metrics    MetricsInterface
	Gatherer   prometheus.Gatherer
}

// Server answers classification requests.
type Server struct {
	cfg    Config
	router *mux.Router
	server *http.Server
	// The backend holds one fixed-size session.
	mu sync.Mutex
}

// ClassifyResponse is the result for one image.
type ClassifyResponse struct {
	Class     string  `json:"class"`
	Label     int     `json:"label"`
	Margin    float64 `json:"margin"`
	LatencyMS float64 `json:"latency_ms"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) (*Server, error) {
	if cfg.Model == nil || cfg.Extractor == nil || cfg.Transform == nil {
		return nil, fmt.Errorf("serve: model, extractor and transform are required")
	}
	if cfg.Transform.Random() {
		return nil, fmt.Errorf("serve: transform pipeline must be deterministic, got %v", cfg.Transform.Names())
	}
	if len(cfg.ClassNames) != 2 {
		return nil, &common.UnsupportedClassCountError{Got: len(cfg.ClassNames)}
	}
	if cfg.Extractor.Dim() != cfg.Model.Dim {
		return nil, &common.FeatureShapeMismatchError{Reason: "extractor output does not match classifier input", Expected: cfg.Model.Dim, Got: cfg.Extractor.Dim()}
	}

	s := &Server{cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/classify", s.handleClassify).Methods(http.MethodPost)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = r

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown classification server")
		}
	}()

	log.Info().Str("addr", s.server.Addr).Msg("starting classification server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sv := s.cfg.Model.NumSupportVectors()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"device":          s.cfg.Extractor.Device(),
		"feature_dim":     s.cfg.Extractor.Dim(),
		"classes":         s.cfg.ClassNames,
		"support_vectors": sv[0] + sv[1],
	})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	data, err := readUpload(w, r)
	if err != nil {
		s.fail(w, start, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	img, err := dataset.DecodeBytesLimit(data, maxUploadPixels)
	if err != nil {
		var tooLarge *common.ImageTooLargeError
		if errors.As(err, &tooLarge) {
			s.fail(w, start, "invalid_image", tooLarge.Error(), http.StatusBadRequest)
			return
		}
		s.fail(w, start, "invalid_image", "failed to decode image", http.StatusBadRequest)
		return
	}

	tensor, err := s.cfg.Transform.Apply(img, nil)
	if err != nil {
		s.fail(w, start, "transform_error", err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	vectors, err := s.cfg.Extractor.Extract([]transforms.Tensor{tensor})
	s.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("feature extraction failed")
		s.fail(w, start, "extraction_error", err.Error(), http.StatusInternalServerError)
		return
	}

	margins, err := s.cfg.Model.DecisionFunction([][]float32{vectors[0]})
	if err != nil {
		s.fail(w, start, "classification_error", err.Error(), http.StatusInternalServerError)
		return
	}

	label := s.cfg.Model.Classes[0]
	if margins[0] > 0 {
		label = s.cfg.Model.Classes[1]
	}
	name := ""
	if label >= 0 && label < len(s.cfg.ClassNames) {
		name = s.cfg.ClassNames[label]
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ClassifyObserve("ok", time.Since(start))
	}
	writeJSON(w, http.StatusOK, ClassifyResponse{
		Class:     name,
		Label:     label,
		Margin:    margins[0],
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	})
}

func (s *Server) fail(w http.ResponseWriter, start time.Time, code, message string, status int) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ClassifyObserve("error", time.Since(start))
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// readUpload accepts a multipart form with an "image" file, or the raw image
// as the request body.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("missing image field: %w", err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty request body")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
