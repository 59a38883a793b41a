// Package qidors implements the QIDO-RS query router (PS3.18 §10.6): four
// embedder-supplied handler slots are invoked per request, their results
// rendered as DICOM JSON (§F.2). Built on github.com/go-chi/chi/v5 +
// github.com/go-chi/cors, the HTTP stack
// OtchereDev-ris-dicom-connector/internal/handlers/dicomweb.go and
// cmd/server/main.go use for their own DICOMweb router, including its
// chimiddleware.RequestID/RealIP/Recovery chain and CORS wiring.
package qidors

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomstack/interfaces"
	"github.com/caio-sobreiro/dicomstack/types"
)

// StudyHandler answers a study-level QIDO-RS search.
type StudyHandler func(ctx context.Context, query types.QueryRequest) ([]types.Study, error)

// SeriesHandler answers a series-level search scoped to one study.
type SeriesHandler func(ctx context.Context, studyInstanceUID string, query types.QueryRequest) ([]types.Series, error)

// InstanceHandler answers an instance-level search scoped to one study (all
// series) or one study+series, depending on which slot it is bound to.
type InstanceHandler func(ctx context.Context, studyInstanceUID, seriesInstanceUID string, query types.QueryRequest) ([]types.Image, error)

// Option configures a Router.
type Option func(*Router)

// WithLogger overrides the zerolog.Logger used for request logging.
func WithLogger(logger zerolog.Logger) Option {
	return func(rt *Router) { rt.logger = logger }
}

// WithCORS enables CORS. An empty allowedOrigins list echoes "*" for every
// origin, matching spec §4.10's "or * when no list is given".
func WithCORS(allowedOrigins []string) Option {
	return func(rt *Router) { rt.corsEnabled = true; rt.corsOrigins = allowedOrigins }
}

// WithMetricsRegisterer registers this Router's Prometheus metrics against
// reg and mounts a GET /metrics endpoint that gathers from the same reg.
// Without this option the Router records no metrics and serves no /metrics.
func WithMetricsRegisterer(reg interface {
	prometheus.Registerer
	prometheus.Gatherer
}) Option {
	return func(rt *Router) {
		rt.metrics = newMetrics(reg)
		rt.gatherer = reg
		rt.mountMetrics = true
	}
}

// WithMetadataIndex wires all four handler slots to index's query methods.
// Apply before any WithSearchFor* option to override just one slot.
func WithMetadataIndex(index interfaces.MetadataIndex) Option {
	return func(rt *Router) {
		rt.searchForStudies = func(ctx context.Context, q types.QueryRequest) ([]types.Study, error) {
			return index.FindStudies(ctx, q)
		}
		rt.searchForSeries = func(ctx context.Context, studyUID string, q types.QueryRequest) ([]types.Series, error) {
			return index.FindSeries(ctx, studyUID, q)
		}
		rt.searchForStudyInstances = func(ctx context.Context, studyUID, _ string, q types.QueryRequest) ([]types.Image, error) {
			series, err := index.FindSeries(ctx, studyUID, q)
			if err != nil {
				return nil, err
			}
			var images []types.Image
			for _, se := range series {
				instances, err := index.FindInstances(ctx, studyUID, se.InstanceUID, q)
				if err != nil {
					return nil, err
				}
				images = append(images, instances...)
			}
			return images, nil
		}
		rt.searchForSeriesInstances = func(ctx context.Context, studyUID, seriesUID string, q types.QueryRequest) ([]types.Image, error) {
			return index.FindInstances(ctx, studyUID, seriesUID, q)
		}
	}
}

// WithSearchForStudies overrides the studies search slot.
func WithSearchForStudies(h StudyHandler) Option { return func(rt *Router) { rt.searchForStudies = h } }

// WithSearchForSeries overrides the series search slot.
func WithSearchForSeries(h SeriesHandler) Option { return func(rt *Router) { rt.searchForSeries = h } }

// WithSearchForStudyInstances overrides the study-scoped instances slot.
func WithSearchForStudyInstances(h InstanceHandler) Option {
	return func(rt *Router) { rt.searchForStudyInstances = h }
}

// WithSearchForSeriesInstances overrides the series-scoped instances slot.
func WithSearchForSeriesInstances(h InstanceHandler) Option {
	return func(rt *Router) { rt.searchForSeriesInstances = h }
}

// Router is the QIDO-RS HTTP handler. The zero value is not usable;
// construct one with New.
type Router struct {
	searchForStudies         StudyHandler
	searchForSeries          SeriesHandler
	searchForStudyInstances  InstanceHandler
	searchForSeriesInstances InstanceHandler

	logger       zerolog.Logger
	corsEnabled  bool
	corsOrigins  []string
	metrics      *metrics
	gatherer     prometheus.Gatherer
	mountMetrics bool

	mux *chi.Mux
}

// New builds a Router and wires its chi.Mux. At least one handler slot
// should be configured (directly or via WithMetadataIndex) or every matching
// route responds 500.
func New(opts ...Option) *Router {
	rt := &Router{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(rt)
	}
	rt.mux = rt.buildMux()
	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) { rt.mux.ServeHTTP(w, r) }

func (rt *Router) buildMux() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(rt.recovery)

	if rt.corsEnabled {
		origins := rt.corsOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "OPTIONS"},
		}))
	}

	if rt.mountMetrics {
		r.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/studies", rt.handleStudies)
	r.Get("/studies/{study}/series", rt.handleSeries)
	r.Get("/studies/{study}/instances", rt.handleStudyInstances)
	r.Get("/studies/{study}/series/{series}/instances", rt.handleSeriesInstances)

	return r
}

// recovery mirrors OtchereDev-ris-dicom-connector/internal/middleware's
// panic-to-500 translation so a handler panic never takes the process down.
func (rt *Router) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				rt.logger.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("qidors handler panicked")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) handleStudies(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	query := parseQuery(r, types.QueryLevelStudy)

	if rt.searchForStudies == nil {
		rt.respondUnconfigured(w, "STUDY", start)
		return
	}
	studies, err := rt.searchForStudies(r.Context(), query)
	if err != nil {
		rt.respondError(w, "STUDY", err, start)
		return
	}

	results := make([]dicomJSON, 0, len(studies))
	lo, hi := paginate(len(studies), query)
	for _, s := range studies[lo:hi] {
		results = append(results, buildStudy(s))
	}
	rt.respondJSON(w, "STUDY", results, start)
}

func (rt *Router) handleSeries(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	studyUID := chi.URLParam(r, "study")
	query := parseQuery(r, types.QueryLevelSeries)

	if rt.searchForSeries == nil {
		rt.respondUnconfigured(w, "SERIES", start)
		return
	}
	series, err := rt.searchForSeries(r.Context(), studyUID, query)
	if err != nil {
		rt.respondError(w, "SERIES", err, start)
		return
	}

	results := make([]dicomJSON, 0, len(series))
	lo, hi := paginate(len(series), query)
	for _, se := range series[lo:hi] {
		results = append(results, buildSeries(studyUID, se))
	}
	rt.respondJSON(w, "SERIES", results, start)
}

func (rt *Router) handleStudyInstances(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	studyUID := chi.URLParam(r, "study")
	query := parseQuery(r, types.QueryLevelImage)

	if rt.searchForStudyInstances == nil {
		rt.respondUnconfigured(w, "IMAGE", start)
		return
	}
	images, err := rt.searchForStudyInstances(r.Context(), studyUID, "", query)
	if err != nil {
		rt.respondError(w, "IMAGE", err, start)
		return
	}

	results := make([]dicomJSON, 0, len(images))
	lo, hi := paginate(len(images), query)
	for _, img := range images[lo:hi] {
		results = append(results, buildImage(studyUID, img.SeriesInstanceUID, img))
	}
	rt.respondJSON(w, "IMAGE", results, start)
}

func (rt *Router) handleSeriesInstances(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	studyUID := chi.URLParam(r, "study")
	seriesUID := chi.URLParam(r, "series")
	query := parseQuery(r, types.QueryLevelImage)

	if rt.searchForSeriesInstances == nil {
		rt.respondUnconfigured(w, "IMAGE", start)
		return
	}
	images, err := rt.searchForSeriesInstances(r.Context(), studyUID, seriesUID, query)
	if err != nil {
		rt.respondError(w, "IMAGE", err, start)
		return
	}

	results := make([]dicomJSON, 0, len(images))
	lo, hi := paginate(len(images), query)
	for _, img := range images[lo:hi] {
		results = append(results, buildImage(studyUID, seriesUID, img))
	}
	rt.respondJSON(w, "IMAGE", results, start)
}

func (rt *Router) respondJSON(w http.ResponseWriter, level string, results []dicomJSON, start time.Time) {
	if rt.metrics != nil {
		rt.metrics.observe(level, "ok", len(results), start)
	}
	w.Header().Set("Content-Type", "application/dicom+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(results)
}

func (rt *Router) respondError(w http.ResponseWriter, level string, err error, start time.Time) {
	if rt.metrics != nil {
		rt.metrics.observe(level, "error", 0, start)
	}
	rt.logger.Warn().Err(err).Str("level", level).Msg("qidors handler failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (rt *Router) respondUnconfigured(w http.ResponseWriter, level string, start time.Time) {
	if rt.metrics != nil {
		rt.metrics.observe(level, "error", 0, start)
	}
	writeError(w, http.StatusInternalServerError, "no handler configured for this query level")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
