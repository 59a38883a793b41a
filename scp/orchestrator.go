// Package scp implements the StoreSCP Orchestrator: a TCP accept loop
// wiring the pdu and dimse layers to a Handler, plus the Study Aggregator
// actor that rolls stored instances up into a Study->Series->Instance
// hierarchy on a per-study inactivity timer.
package scp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomstack/dimse"
	"github.com/caio-sobreiro/dicomstack/hook"
	"github.com/caio-sobreiro/dicomstack/interfaces"
	"github.com/caio-sobreiro/dicomstack/pdu"
	"github.com/caio-sobreiro/dicomstack/storage"
)

// DefaultStudyTimeout is the inactivity window after which an open study is
// considered complete, per the spec's studyTimeout default.
const DefaultStudyTimeout = 30 * time.Second

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the zerolog.Logger used by the orchestrator and its
// connection workers.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithPolicy overrides the presentation context negotiation policy. Defaults
// to pdu.DefaultPolicy().
func WithPolicy(policy pdu.NegotiationPolicy) Option {
	return func(o *Orchestrator) { o.policy = policy }
}

// WithStudyTimeout overrides the per-study inactivity window.
func WithStudyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.studyTimeout = d }
}

// WithHook registers a pre-store hook. Defaults to hook.NoopInvoker.
func WithHook(invoker hook.Invoker) Option {
	return func(o *Orchestrator) { o.hook = invoker }
}

// WithMetadataIndex registers the index instances are recorded into as they
// land, enabling QIDO-RS queries over received studies.
func WithMetadataIndex(index interfaces.MetadataIndex) Option {
	return func(o *Orchestrator) { o.index = index }
}

// WithExtractTags sets the tag selection extracted from every received
// instance. The pre-store hook only runs when this list is non-empty.
func WithExtractTags(names []string) Option {
	return func(o *Orchestrator) { o.extractTags = names }
}

// WithStoreWithFileMeta controls whether persisted instances carry Part 10
// file meta information. Required true for the pre-store hook's tag updates
// to survive as a self-describing file.
func WithStoreWithFileMeta(enabled bool) Option {
	return func(o *Orchestrator) { o.storeWithFileMeta = enabled }
}

// Orchestrator is a reusable DICOM StoreSCP listener: the accept loop and
// per-connection worker keep the teacher's net.Listener + sync.WaitGroup +
// per-connection goroutine shape; the Study Aggregator is a new actor
// goroutine replacing any shared-map-plus-mutex design.
type Orchestrator struct {
	aeTitle string
	backend storage.Backend

	logger            zerolog.Logger
	policy            pdu.NegotiationPolicy
	studyTimeout      time.Duration
	hook              hook.Invoker
	index             interfaces.MetadataIndex
	extractTags       []string
	storeWithFileMeta bool

	sink Sink
}

// New builds an Orchestrator storing received instances through backend and
// delivering ServerStarted/FileStored/StudyCompleted/Error events to sink.
func New(aeTitle string, backend storage.Backend, sink Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		aeTitle:      aeTitle,
		backend:      backend,
		sink:         sink,
		logger:       zerolog.Nop(),
		policy:       pdu.DefaultPolicy(),
		studyTimeout: DefaultStudyTimeout,
		hook:         hook.NoopInvoker{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ListenAndServe listens on address and serves until ctx is cancelled or an
// unrecoverable error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, backend storage.Backend, sink Sink, opts ...Option) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()

	o := New(aeTitle, backend, sink, opts...)
	return o.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled. The Study
// Aggregator actor runs for the lifetime of this call.
func (o *Orchestrator) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("scp: listener is required")
	}
	if o.backend == nil {
		return errors.New("scp: storage backend is required")
	}
	if o.aeTitle == "" {
		return errors.New("scp: AE title is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	aggregator := NewAggregator(o.studyTimeout, o.sink)
	go aggregator.Run(ctx)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	o.logger.Info().Str("address", listener.Addr().String()).Str("ae_title", o.aeTitle).Msg("StoreSCP listening")
	o.sink.Notify(Event{Kind: EventServerStarted, Address: listener.Addr().String()})

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				o.logger.Warn().Err(err).Msg("accept timeout")
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			o.handleConnection(c, aggregator)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

func (o *Orchestrator) handleConnection(conn net.Conn, aggregator *Aggregator) {
	cfg := Config{
		AETitle:           o.aeTitle,
		ExtractTags:       o.extractTags,
		StoreWithFileMeta: o.storeWithFileMeta,
	}
	handler := NewHandler(cfg, o.backend, o.hook, aggregator, o.sink, o.index, o.logger)
	service := dimse.NewService(handler, o.logger)
	layer := pdu.NewLayer(conn, service, o.aeTitle, o.policy, o.logger)

	if err := layer.HandleConnection(); err != nil {
		o.logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("DIMSE connection ended")
		o.sink.Notify(Event{Kind: EventError, Err: err})
	}
}
