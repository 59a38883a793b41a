// Package wadors implements the WADO-RS retrieval router (PS3.18 §10.4):
// stored instances are read back through a storage.Backend using the same
// study/series/instance key scheme scp/handler.go writes them under, and
// served as single or multipart/related DICOM, DICOM JSON metadata, raw
// frames, rendered images, or bulkdata. Built on github.com/go-chi/chi/v5 +
// github.com/go-chi/cors, matching
// OtchereDev-ris-dicom-connector/internal/handlers/dicomweb.go and
// cmd/server/main.go's own DICOMweb router assembly.
package wadors

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/dicomstack/dcmio"
	"github.com/caio-sobreiro/dicomstack/pixel"
	"github.com/caio-sobreiro/dicomstack/storage"
)

// FeatureFlags gates optional endpoint groups; a disabled group's routes are
// simply never registered, so chi's own unmatched-route 404 satisfies §4.10's
// "disabled endpoints return 404" without extra branching.
type FeatureFlags struct {
	EnableMetadata  bool
	EnableFrames    bool
	EnableRendered  bool
	EnableThumbnail bool
	EnableBulkdata  bool
}

// AllFeatures enables every optional endpoint group.
func AllFeatures() FeatureFlags {
	return FeatureFlags{true, true, true, true, true}
}

// Option configures a Router.
type Option func(*Router)

// WithLogger overrides the zerolog.Logger used for request logging.
func WithLogger(logger zerolog.Logger) Option {
	return func(rt *Router) { rt.logger = logger }
}

// WithCORS enables CORS. An empty allowedOrigins list echoes "*" for every
// origin, matching spec §4.10.
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

// WithFeatureFlags sets which optional endpoint groups are registered.
func WithFeatureFlags(flags FeatureFlags) Option {
	return func(rt *Router) { rt.flags = flags }
}

// WithTranscoder supplies the compressed-frame decoder used for
// frames/rendered/thumbnail endpoints when a stored instance's transfer
// syntax is encapsulated. Without one, those endpoints 500 on compressed
// instances (pixel.Decoded's own error).
func WithTranscoder(t pixel.Transcoder) Option {
	return func(rt *Router) { rt.transcoder = t }
}

// WithThumbnailSize sets the fixed viewport /thumbnail renders into. Default
// is 128x128.
func WithThumbnailSize(width, height int) Option {
	return func(rt *Router) { rt.thumbnailSize = pixel.Viewport{Width: width, Height: height} }
}

// Router is the WADO-RS HTTP handler, reading instances back from a
// storage.Backend. The zero value is not usable; construct one with New.
type Router struct {
	backend    storage.Backend
	transcoder pixel.Transcoder
	flags      FeatureFlags

	logger        zerolog.Logger
	corsEnabled   bool
	corsOrigins   []string
	metrics       *metrics
	gatherer      prometheus.Gatherer
	mountMetrics  bool
	thumbnailSize pixel.Viewport

	mux *chi.Mux
}

// New builds a Router over backend and wires its chi.Mux.
func New(backend storage.Backend, opts ...Option) *Router {
	rt := &Router{
		backend:       backend,
		logger:        zerolog.Nop(),
		thumbnailSize: pixel.Viewport{Width: 128, Height: 128},
	}
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

	r.Get("/studies/{study}", rt.handleStudyEntity)
	r.Get("/studies/{study}/series/{series}", rt.handleSeriesEntity)
	r.Get("/studies/{study}/series/{series}/instances/{instance}", rt.handleInstanceEntity)

	if rt.flags.EnableMetadata {
		r.Get("/studies/{study}/metadata", rt.handleStudyMetadata)
		r.Get("/studies/{study}/series/{series}/metadata", rt.handleSeriesMetadata)
		r.Get("/studies/{study}/series/{series}/instances/{instance}/metadata", rt.handleInstanceMetadata)
	}
	if rt.flags.EnableFrames {
		r.Get("/studies/{study}/series/{series}/instances/{instance}/frames/{list}", rt.handleFrames)
	}
	if rt.flags.EnableRendered {
		r.Get("/studies/{study}/series/{series}/instances/{instance}/rendered", rt.handleRendered)
	}
	if rt.flags.EnableThumbnail {
		r.Get("/studies/{study}/series/{series}/instances/{instance}/thumbnail", rt.handleThumbnail)
	}
	if rt.flags.EnableBulkdata {
		r.Get("/studies/{study}/series/{series}/instances/{instance}/bulkdata/{tag}", rt.handleBulkdata)
	}

	return r
}

// recovery mirrors OtchereDev-ris-dicom-connector/internal/middleware's
// panic-to-500 translation so a handler panic never takes the process down.
func (rt *Router) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				rt.logger.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("wadors handler panicked")
				notFoundOr500(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func notFoundOr500(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":"internal error"}`))
}

// storageKey reproduces scp/handler.go's instanceKey layout; wadors needs the
// identical derivation to retrieve what StoreSCP persisted, but that helper
// is unexported so the scheme is intentionally duplicated here.
func storageKey(studyUID, seriesUID, sopUID string) string {
	return path.Join("studies", studyUID, "series", seriesUID, sopUID+".dcm")
}

func studyPrefix(studyUID string) string  { return path.Join("studies", studyUID) + "/" }
func seriesPrefix(studyUID, seriesUID string) string {
	return path.Join("studies", studyUID, "series", seriesUID) + "/"
}

func (rt *Router) loadKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := rt.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (rt *Router) loadDataset(ctx context.Context, key string) (*dcmio.Dataset, []byte, error) {
	raw, err := rt.backend.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	ds, err := dcmio.ParsePart10(raw)
	if err != nil {
		return nil, nil, err
	}
	return ds, raw, nil
}

func (rt *Router) handleStudyEntity(w http.ResponseWriter, r *http.Request) {
	rt.serveEntity(w, r, "study_entity", studyPrefix(chi.URLParam(r, "study")))
}

func (rt *Router) handleSeriesEntity(w http.ResponseWriter, r *http.Request) {
	rt.serveEntity(w, r, "series_entity", seriesPrefix(chi.URLParam(r, "study"), chi.URLParam(r, "series")))
}

// serveEntity retrieves every instance under prefix and writes them as a
// multipart/related application/dicom body (or, when the client asks for
// JSON, a metadata array instead — §4.10 allows either representation on
// entity paths).
func (rt *Router) serveEntity(w http.ResponseWriter, r *http.Request, endpoint, prefix string) {
	start := time.Now()
	ctx := r.Context()

	keys, err := rt.loadKeys(ctx, prefix)
	if err != nil {
		rt.fail(w, endpoint, err, start)
		return
	}
	if len(keys) == 0 {
		rt.notFound(w, endpoint, start)
		return
	}

	if wantsJSON(r) {
		docs := make([]dicomJSON, 0, len(keys))
		for _, key := range keys {
			ds, _, err := rt.loadDataset(ctx, key)
			if err != nil {
				rt.fail(w, endpoint, err, start)
				return
			}
			docs = append(docs, buildMetadata(ds))
		}
		rt.respondJSONArray(w, endpoint, docs, start)
		return
	}

	parts := make([][]byte, 0, len(keys))
	for _, key := range keys {
		_, raw, err := rt.loadDataset(ctx, key)
		if err != nil {
			rt.fail(w, endpoint, err, start)
			return
		}
		parts = append(parts, raw)
	}
	if err := writeMultipartRelated(w, "application/dicom", parts); err != nil {
		rt.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("wadors failed writing multipart body")
		return
	}
	rt.success(w, endpoint, totalLen(parts), start)
}

func (rt *Router) handleInstanceEntity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := storageKey(chi.URLParam(r, "study"), chi.URLParam(r, "series"), chi.URLParam(r, "instance"))

	ds, raw, err := rt.loadDataset(r.Context(), key)
	if err != nil {
		rt.notFound(w, "instance_entity", start)
		return
	}

	if wantsJSON(r) {
		rt.respondJSONArray(w, "instance_entity", []dicomJSON{buildMetadata(ds)}, start)
		return
	}

	w.Header().Set("Content-Type", "application/dicom")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
	rt.success(w, "instance_entity", len(raw), start)
}

func (rt *Router) handleStudyMetadata(w http.ResponseWriter, r *http.Request) {
	rt.serveMetadataMultipart(w, r, "study_metadata", studyPrefix(chi.URLParam(r, "study")))
}

func (rt *Router) handleSeriesMetadata(w http.ResponseWriter, r *http.Request) {
	rt.serveMetadataMultipart(w, r, "series_metadata", seriesPrefix(chi.URLParam(r, "study"), chi.URLParam(r, "series")))
}

func (rt *Router) serveMetadataMultipart(w http.ResponseWriter, r *http.Request, endpoint, prefix string) {
	start := time.Now()
	ctx := r.Context()

	keys, err := rt.loadKeys(ctx, prefix)
	if err != nil {
		rt.fail(w, endpoint, err, start)
		return
	}
	if len(keys) == 0 {
		rt.notFound(w, endpoint, start)
		return
	}

	docs := make([]dicomJSON, 0, len(keys))
	for _, key := range keys {
		ds, _, err := rt.loadDataset(ctx, key)
		if err != nil {
			rt.fail(w, endpoint, err, start)
			return
		}
		docs = append(docs, buildMetadata(ds))
	}
	rt.respondJSONArray(w, endpoint, docs, start)
}

func (rt *Router) handleInstanceMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := storageKey(chi.URLParam(r, "study"), chi.URLParam(r, "series"), chi.URLParam(r, "instance"))

	ds, _, err := rt.loadDataset(r.Context(), key)
	if err != nil {
		rt.notFound(w, "instance_metadata", start)
		return
	}
	rt.respondJSONArray(w, "instance_metadata", []dicomJSON{buildMetadata(ds)}, start)
}

func (rt *Router) handleFrames(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := storageKey(chi.URLParam(r, "study"), chi.URLParam(r, "series"), chi.URLParam(r, "instance"))

	ds, _, err := rt.loadDataset(r.Context(), key)
	if err != nil {
		rt.notFound(w, "frames", start)
		return
	}

	frameNums, err := parseFrameList(chi.URLParam(r, "list"))
	if err != nil {
		rt.badRequest(w, "frames", err, start)
		return
	}

	info := ds.PixelInfo()
	parts := make([][]byte, 0, len(frameNums))
	for _, n := range frameNums {
		if n > info.NumberOfFrames {
			rt.notFound(w, "frames", start)
			return
		}
		samples, err := pixel.Decoded(r.Context(), ds, rt.transcoder, ds.TransferSyntaxUID(), n-1)
		if err != nil {
			rt.fail(w, "frames", err, start)
			return
		}
		parts = append(parts, framesToBytes(samples, info.BitsAllocated))
	}

	if err := writeMultipartRelated(w, "application/octet-stream", parts); err != nil {
		rt.logger.Warn().Err(err).Str("endpoint", "frames").Msg("wadors failed writing multipart body")
		return
	}
	rt.success(w, "frames", totalLen(parts), start)
}

func (rt *Router) handleRendered(w http.ResponseWriter, r *http.Request) {
	rt.renderInstance(w, r, "rendered", nil)
}

func (rt *Router) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	vp := rt.thumbnailSize
	rt.renderInstance(w, r, "thumbnail", &vp)
}

// renderInstance runs the shared pixel.Render path for /rendered and
// /thumbnail, differing only in viewport: /rendered honors the caller's
// viewport/window/quality query params (§4.9/§4.10), /thumbnail always
// renders at the configured fixed size.
func (rt *Router) renderInstance(w http.ResponseWriter, r *http.Request, endpoint string, fixedViewport *pixel.Viewport) {
	start := time.Now()
	key := storageKey(chi.URLParam(r, "study"), chi.URLParam(r, "series"), chi.URLParam(r, "instance"))

	ds, _, err := rt.loadDataset(r.Context(), key)
	if err != nil {
		rt.notFound(w, endpoint, start)
		return
	}

	opts := pixel.Options{ApplyVOILUT: true}
	viewport := fixedViewport
	quality := 90
	format := "jpeg"

	if fixedViewport == nil {
		q := r.URL.Query()
		if vp := parseDims(q.Get("viewport")); vp != nil {
			viewport = vp
		}
		if center, width, ok := parseWindow(q.Get("window")); ok {
			opts.WindowCenter = &center
			opts.WindowWidth = &width
		}
		if v, err := strconv.Atoi(q.Get("quality")); err == nil && v > 0 {
			quality = v
		}
	}

	data, err := pixel.Render(r.Context(), ds, rt.transcoder, ds.TransferSyntaxUID(), format, viewport, quality, opts)
	if err != nil {
		rt.fail(w, endpoint, err, start)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	rt.success(w, endpoint, len(data), start)
}

func (rt *Router) handleBulkdata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := storageKey(chi.URLParam(r, "study"), chi.URLParam(r, "series"), chi.URLParam(r, "instance"))

	ds, _, err := rt.loadDataset(r.Context(), key)
	if err != nil {
		rt.notFound(w, "bulkdata", start)
		return
	}

	t, err := parseTagHex(chi.URLParam(r, "tag"))
	if err != nil {
		rt.badRequest(w, "bulkdata", err, start)
		return
	}

	data, err := ds.RawBytes(t)
	if err != nil {
		rt.notFound(w, "bulkdata", start)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	rt.success(w, "bulkdata", len(data), start)
}

func (rt *Router) respondJSONArray(w http.ResponseWriter, endpoint string, docs []dicomJSON, start time.Time) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(docs)

	w.Header().Set("Content-Type", "application/dicom+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
	rt.success(w, endpoint, buf.Len(), start)
}

func (rt *Router) success(_ http.ResponseWriter, endpoint string, n int, start time.Time) {
	if rt.metrics != nil {
		rt.metrics.observe(endpoint, "ok", n, start)
	}
}

func (rt *Router) fail(w http.ResponseWriter, endpoint string, err error, start time.Time) {
	if rt.metrics != nil {
		rt.metrics.observe(endpoint, "error", 0, start)
	}
	rt.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("wadors handler failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":"` + err.Error() + `"}`))
}

func (rt *Router) badRequest(w http.ResponseWriter, endpoint string, err error, start time.Time) {
	if rt.metrics != nil {
		rt.metrics.observe(endpoint, "error", 0, start)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"error":"` + err.Error() + `"}`))
}

func (rt *Router) notFound(w http.ResponseWriter, endpoint string, start time.Time) {
	if rt.metrics != nil {
		rt.metrics.observe(endpoint, "not_found", 0, start)
	}
	w.WriteHeader(http.StatusNotFound)
}

// wantsJSON reports whether the request's Accept header asks for DICOM JSON
// rather than the default application/dicom representation.
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "json")
}

// parseDims parses a "W,H" query value into a Viewport, or nil if raw is
// empty or malformed.
func parseDims(raw string) *pixel.Viewport {
	if raw == "" {
		return nil
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return nil
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return nil
	}
	return &pixel.Viewport{Width: w, Height: h}
}

// parseWindow parses a "C,W" query value into (center, width, ok).
func parseWindow(raw string) (center, width float64, ok bool) {
	if raw == "" {
		return 0, 0, false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	c, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	w, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return c, w, true
}

// parseTagHex parses an 8-hex-char tag selector like "00100010" into its
// (group, element) pair, the same key shape the DICOM JSON model uses.
func parseTagHex(raw string) (tag.Tag, error) {
	if len(raw) != 8 {
		return tag.Tag{}, errInvalidTag(raw)
	}
	group, err := strconv.ParseUint(raw[:4], 16, 16)
	if err != nil {
		return tag.Tag{}, errInvalidTag(raw)
	}
	element, err := strconv.ParseUint(raw[4:], 16, 16)
	if err != nil {
		return tag.Tag{}, errInvalidTag(raw)
	}
	return tag.Tag{Group: uint16(group), Element: uint16(element)}, nil
}

func errInvalidTag(raw string) error {
	return &invalidTagError{raw: raw}
}

type invalidTagError struct{ raw string }

func (e *invalidTagError) Error() string { return "invalid bulkdata tag selector: " + e.raw }

func totalLen(parts [][]byte) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n
}
