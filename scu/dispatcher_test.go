package scu

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomstack/dicomerr"
)

// eventCollector is a test Sink safe for concurrent Notify calls from
// multiple association drivers.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) Notify(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func writeExplicitShortElement(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], group)
	binary.LittleEndian.PutUint16(header[2:4], element)
	copy(header[4:6], vr)
	binary.LittleEndian.PutUint16(header[6:8], uint16(len(value)))
	buf.Write(header)
	buf.Write(value)
}

// buildPart10 assembles a minimal Part 10 file carrying only the transfer
// syntax in its file meta group, mirroring dcmio's own wrapBareDataset.
func buildPart10(transferSyntaxUID string, dataset []byte) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")

	tsValue := transferSyntaxUID
	if len(tsValue)%2 == 1 {
		tsValue += "\x00"
	}

	var meta bytes.Buffer
	writeExplicitShortElement(&meta, 0x0002, 0x0010, "UI", []byte(tsValue))

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(meta.Len()))
	writeExplicitShortElement(&buf, 0x0002, 0x0000, "UL", groupLength)
	buf.Write(meta.Bytes())
	buf.Write(dataset)

	return buf.Bytes()
}

func TestDispatcher_Run_EmptyQueue(t *testing.T) {
	sink := &eventCollector{}
	d := NewDispatcher(Config{Address: "127.0.0.1:1"}, 2, sink)

	require.NoError(t, d.Run(context.Background()))

	events := sink.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, EventTransferStarted, events[0].Kind)
	require.Equal(t, 0, events[0].Total)
	require.Equal(t, EventTransferCompleted, events[1].Kind)
	require.Equal(t, 0, events[1].Total)
	require.Equal(t, 0, events[1].Successful)
	require.Equal(t, 0, events[1].Failed)
}

func TestNewDispatcher_ClampsConcurrency(t *testing.T) {
	d := NewDispatcher(Config{}, 0, &eventCollector{})
	require.Equal(t, int64(1), d.concurrency)

	d = NewDispatcher(Config{}, -5, &eventCollector{})
	require.Equal(t, int64(1), d.concurrency)
}

func TestDispatcher_AddFileFromMemory_RejectsNonDICOM(t *testing.T) {
	d := NewDispatcher(Config{}, 1, &eventCollector{})
	err := d.AddFileFromMemory("garbage.bin", []byte("not a dicom file"))
	require.Error(t, err)
	require.Empty(t, d.queue)
}

func TestDispatcher_Clean(t *testing.T) {
	d := NewDispatcher(Config{}, 1, &eventCollector{})
	d.queue = []fileItem{{label: "a"}, {label: "b"}}
	d.Clean()
	require.Empty(t, d.queue)
}

func TestBuildProposals_GroupsBySOPClassAndCollectsTransferSyntaxes(t *testing.T) {
	items := []fileItem{
		{sopClassUID: "1.2.840.10008.5.1.4.1.1.7", transferSyntaxUID: "1.2.840.10008.1.2.1"},
		{sopClassUID: "1.2.840.10008.5.1.4.1.1.7", transferSyntaxUID: "1.2.840.10008.1.2"},
		{sopClassUID: "1.2.840.10008.5.1.4.1.1.2", transferSyntaxUID: "1.2.840.10008.1.2.1"},
	}

	proposals := buildProposals(items, "")
	require.Len(t, proposals, 2)

	require.Equal(t, "1.2.840.10008.5.1.4.1.1.2", proposals[0].abstractSyntax)
	require.Equal(t, []string{"1.2.840.10008.1.2.1"}, proposals[0].transferSyntaxes)

	require.Equal(t, "1.2.840.10008.5.1.4.1.1.7", proposals[1].abstractSyntax)
	require.ElementsMatch(t, []string{"1.2.840.10008.1.2", "1.2.840.10008.1.2.1"}, proposals[1].transferSyntaxes)
}

func TestBuildProposals_OverridePromotedWhenObserved(t *testing.T) {
	items := []fileItem{
		{sopClassUID: "1.2.3", transferSyntaxUID: "1.2.840.10008.1.2"},
		{sopClassUID: "1.2.3", transferSyntaxUID: "1.2.840.10008.1.2.1"},
	}

	proposals := buildProposals(items, "1.2.840.10008.1.2.1")
	require.Equal(t, "1.2.840.10008.1.2.1", proposals[0].transferSyntaxes[0])
}

func TestBuildProposals_OverrideIgnoredWhenNotObserved(t *testing.T) {
	items := []fileItem{
		{sopClassUID: "1.2.3", transferSyntaxUID: "1.2.840.10008.1.2"},
	}

	proposals := buildProposals(items, "1.2.840.10008.1.2.1")
	require.Equal(t, []string{"1.2.840.10008.1.2"}, proposals[0].transferSyntaxes)
}

func TestMoveToFront(t *testing.T) {
	out := moveToFront([]string{"a", "b", "c"}, "c")
	require.Equal(t, []string{"c", "a", "b"}, out)
}

func TestMoveToFront_ValueNotPresent(t *testing.T) {
	out := moveToFront([]string{"a", "b"}, "z")
	require.Equal(t, []string{"z", "a", "b"}, out)
}

func TestBareDataset_MatchingTransferSyntax(t *testing.T) {
	dataset := []byte{0x08, 0x00, 0x18, 0x00, 0x02, 0x00, 0x00, 0x00, '1', '\x00'}
	item := fileItem{
		label:             "instance.dcm",
		data:              buildPart10("1.2.840.10008.1.2.1", dataset),
		transferSyntaxUID: "1.2.840.10008.1.2.1",
	}

	out, err := bareDataset(item, "1.2.840.10008.1.2.1")
	require.NoError(t, err)
	require.Equal(t, dataset, out)
}

func TestBareDataset_MismatchedTransferSyntaxIsUnsupported(t *testing.T) {
	item := fileItem{
		label:             "instance.dcm",
		data:              buildPart10("1.2.840.10008.1.2", []byte{0x00}),
		transferSyntaxUID: "1.2.840.10008.1.2",
	}

	_, err := bareDataset(item, "1.2.840.10008.1.2.1")
	require.ErrorIs(t, err, dicomerr.ErrUnsupportedTransfer)
}

func TestIsNonTransportFailure(t *testing.T) {
	require.True(t, isNonTransportFailure(dicomerr.ErrNoPresentationCtx))
	require.True(t, isNonTransportFailure(dicomerr.ErrUnsupportedTransfer))
	require.True(t, isNonTransportFailure(dicomerr.NewDIMSEError("C-STORE", 0xA700, "refused")))

	require.False(t, isNonTransportFailure(dicomerr.NewNetworkError("write", context.DeadlineExceeded)))
	require.False(t, isNonTransportFailure(context.DeadlineExceeded))
}

func TestDispatcher_Run_ConnectFailureEmitsFileErrorPerItem(t *testing.T) {
	sink := &eventCollector{}
	// Nothing listens on this address; every connect attempt fails fast.
	d := NewDispatcher(Config{Address: "127.0.0.1:1", ConnectTimeout: 50 * time.Millisecond}, 1, sink)

	dataset := []byte{0x08, 0x00, 0x18, 0x00, 0x02, 0x00, 0x00, 0x00, '1', '\x00'}
	require.NoError(t, d.AddFileFromMemory("a.dcm", buildPart10("1.2.840.10008.1.2.1", dataset)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	events := sink.snapshot()
	var sawError, sawCompleted bool
	for _, e := range events {
		switch e.Kind {
		case EventFileError:
			sawError = true
		case EventTransferCompleted:
			sawCompleted = true
			require.Equal(t, 1, e.Total)
			require.Equal(t, 0, e.Successful)
			require.Equal(t, 1, e.Failed)
		}
	}
	require.True(t, sawError)
	require.True(t, sawCompleted)
}
