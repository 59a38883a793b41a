package scp

import (
	"context"
	"fmt"
	"path"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomstack/dcmio"
	"github.com/caio-sobreiro/dicomstack/hook"
	"github.com/caio-sobreiro/dicomstack/interfaces"
	"github.com/caio-sobreiro/dicomstack/storage"
	"github.com/caio-sobreiro/dicomstack/tags"
	"github.com/caio-sobreiro/dicomstack/types"
)

// Config controls one Handler's behavior: which tags to extract per
// instance, and whether the persisted file carries file meta information
// (required for the pre-store hook to have somewhere to write updates back
// to a self-describing file).
type Config struct {
	AETitle           string
	ExtractTags       []string
	StoreWithFileMeta bool
}

// Handler implements interfaces.ServiceHandler for C-STORE and C-ECHO,
// running the pipeline the spec's StoreSCP Orchestrator section describes:
// extract tags, invoke the pre-store hook, persist, emit FileStored, notify
// the aggregator, respond.
type Handler struct {
	cfg        Config
	backend    storage.Backend
	invoker    hook.Invoker
	aggregator *Aggregator
	sink       Sink
	index      interfaces.MetadataIndex
	logger     zerolog.Logger
}

// NewHandler wires a Handler's collaborators. index may be nil when no
// QIDO-RS metadata index is configured.
func NewHandler(cfg Config, backend storage.Backend, invoker hook.Invoker, aggregator *Aggregator, sink Sink, index interfaces.MetadataIndex, logger zerolog.Logger) *Handler {
	if invoker == nil {
		invoker = hook.NoopInvoker{}
	}
	return &Handler{
		cfg:        cfg,
		backend:    backend,
		invoker:    invoker,
		aggregator: aggregator,
		sink:       sink,
		index:      index,
		logger:     logger,
	}
}

// HandleDIMSE implements interfaces.ServiceHandler.
func (h *Handler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dcmio.Dataset, error) {
	switch msg.CommandField {
	case types.CEchoRQ:
		return h.handleEcho(msg), nil, nil
	case types.CStoreRQ:
		return h.handleStore(ctx, msg, data, meta)
	default:
		return nil, nil, fmt.Errorf("unsupported command field: 0x%04x", msg.CommandField)
	}
}

func (h *Handler) handleEcho(msg *types.Message) *types.Message {
	return &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		CommandDataSetType:        0x0101,
		Status:                    types.StatusSuccess,
	}
}

func (h *Handler) handleStore(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dcmio.Dataset, error) {
	respond := func(status uint16) *types.Message {
		return &types.Message{
			CommandField:              types.CStoreRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
			CommandDataSetType:        0x0101,
			Status:                   status,
		}
	}

	ds, err := dcmio.Parse(data, meta.TransferSyntaxUID)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to parse received dataset")
		return respond(types.StatusFailure), nil, nil
	}

	flatTags := tags.ExtractSelected(ds, h.cfg.ExtractTags)

	if len(h.cfg.ExtractTags) > 0 && h.invoker != nil {
		updated, err := h.invoker.Invoke(ctx, flatTags)
		if err != nil {
			h.logger.Warn().Err(err).Msg("pre-store hook failed")
			h.sink.Notify(Event{Kind: EventError, Err: fmt.Errorf("pre-store hook: %w", err)})
			return respond(types.StatusFailure), nil, nil
		}

		for name, value := range updated {
			t, ok := tags.TagFor(name)
			if !ok {
				continue
			}
			if err := ds.SetString(t, value); err != nil {
				h.logger.Warn().Err(err).Str("tag", name).Msg("hook update rejected")
				continue
			}
			flatTags[name] = value
		}
	}

	record := tags.Extract(ds, "", int64(len(data)))
	key := instanceKey(record.StudyInstanceUID, record.SeriesInstanceUID, record.SOPInstanceUID)

	var persisted []byte
	if h.cfg.StoreWithFileMeta {
		persisted, err = ds.EncodePart10()
	} else {
		persisted, err = ds.Encode(meta.TransferSyntaxUID)
	}
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode dataset for storage")
		return respond(types.StatusFailure), nil, nil
	}

	if err := h.backend.Put(ctx, key, persisted); err != nil {
		h.logger.Warn().Err(err).Str("key", key).Msg("failed to persist instance")
		h.sink.Notify(Event{Kind: EventError, Err: fmt.Errorf("storage put: %w", err)})
		return respond(types.StatusOutOfResources), nil, nil
	}

	record.StoragePath = key
	if h.index != nil {
		if err := h.index.IndexInstance(ctx, record); err != nil {
			h.logger.Warn().Err(err).Msg("failed to index instance")
		}
	}

	h.sink.Notify(Event{
		Kind:              EventFileStored,
		StoragePath:       key,
		SOPInstanceUID:    record.SOPInstanceUID,
		SOPClassUID:       record.SOPClassUID,
		TransferSyntaxUID: meta.TransferSyntaxUID,
		Tags:              flatTags,
	})

	if h.aggregator != nil {
		patientTags, studyTags, seriesTags, instanceTags := tags.SplitByScope(flatTags)
		for k, v := range patientTags {
			studyTags[k] = v
		}
		h.aggregator.Notify(InstanceStored{
			StudyInstanceUID:  record.StudyInstanceUID,
			SeriesInstanceUID: record.SeriesInstanceUID,
			SOPInstanceUID:    record.SOPInstanceUID,
			StudyTags:         studyTags,
			SeriesTags:        seriesTags,
			InstanceTags:      instanceTags,
		})
	}

	return respond(types.StatusSuccess), nil, nil
}

func instanceKey(studyUID, seriesUID, sopUID string) string {
	return path.Join("studies", studyUID, "series", seriesUID, sopUID+".dcm")
}

var _ interfaces.ServiceHandler = (*Handler)(nil)
