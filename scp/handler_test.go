package scp

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomstack/interfaces"
	"github.com/caio-sobreiro/dicomstack/types"
)

// failingBackend always fails Put, for exercising the out-of-resources
// response path.
type failingBackend struct{}

func (failingBackend) Put(ctx context.Context, key string, data []byte) error {
	return errors.New("disk full")
}
func (failingBackend) Get(ctx context.Context, key string) ([]byte, error) { return nil, nil }
func (failingBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}
func (failingBackend) Delete(ctx context.Context, key string) error { return nil }

// writeUIElement appends a short-form explicit-VR-little-endian UI element,
// matching dcmio's own bare-dataset encoding.
func writeUIElement(buf []byte, group, element uint16, value string) []byte {
	if len(value)%2 == 1 {
		value += "\x00"
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], group)
	binary.LittleEndian.PutUint16(header[2:4], element)
	copy(header[4:6], "UI")
	binary.LittleEndian.PutUint16(header[6:8], uint16(len(value)))
	buf = append(buf, header...)
	buf = append(buf, []byte(value)...)
	return buf
}

func minimalStoreRequest() (*types.Message, []byte, interfaces.MessageContext) {
	const transferSyntax = "1.2.840.10008.1.2.1"

	var bare []byte
	bare = writeUIElement(bare, 0x0008, 0x0016, types.CTImageStorage)
	bare = writeUIElement(bare, 0x0008, 0x0018, "1.2.3.4")
	bare = writeUIElement(bare, 0x0020, 0x000D, "1.2.3")
	bare = writeUIElement(bare, 0x0020, 0x000E, "1.2.3.4.5")

	msg := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              1,
		AffectedSOPClassUID:    types.CTImageStorage,
		AffectedSOPInstanceUID: "1.2.3.4",
		CommandDataSetType:     0x0101,
	}
	return msg, bare, interfaces.MessageContext{TransferSyntaxUID: transferSyntax}
}

// noopSink is a test double safe for concurrent Notify calls from the
// aggregator's own goroutine while the test reads events.
type noopSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *noopSink) Notify(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *noopSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestHandler_HandleEcho(t *testing.T) {
	sink := &noopSink{}
	h := NewHandler(Config{AETitle: "TEST-SCP"}, nil, nil, nil, sink, nil, zerolog.Nop())

	req := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           7,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  0x0101,
	}

	resp, ds, err := h.HandleDIMSE(context.Background(), req, nil, interfaces.MessageContext{})
	require.NoError(t, err)
	require.Nil(t, ds)
	require.Equal(t, types.CEchoRSP, resp.CommandField)
	require.Equal(t, uint16(7), resp.MessageIDBeingRespondedTo)
	require.Equal(t, uint16(types.StatusSuccess), resp.Status)
	require.Empty(t, sink.events)
}

func TestHandler_HandleDIMSE_UnsupportedCommand(t *testing.T) {
	h := NewHandler(Config{AETitle: "TEST-SCP"}, nil, nil, nil, &noopSink{}, nil, zerolog.Nop())

	_, _, err := h.HandleDIMSE(context.Background(), &types.Message{CommandField: 0x0020}, nil, interfaces.MessageContext{})
	require.Error(t, err)
}

func TestHandler_HandleStore_BackendFailureRespondsOutOfResources(t *testing.T) {
	sink := &noopSink{}
	h := NewHandler(Config{AETitle: "TEST-SCP"}, failingBackend{}, nil, nil, sink, nil, zerolog.Nop())

	msg, data, meta := minimalStoreRequest()
	resp, ds, err := h.HandleDIMSE(context.Background(), msg, data, meta)
	require.NoError(t, err)
	require.Nil(t, ds)
	require.Equal(t, uint16(types.StatusOutOfResources), resp.Status)

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Kind)
}

func TestInstanceKey(t *testing.T) {
	key := instanceKey("1.2.3", "4.5.6", "7.8.9")
	require.Equal(t, "studies/1.2.3/series/4.5.6/7.8.9.dcm", key)
}
