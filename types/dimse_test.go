package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDIMSECommandConstants(t *testing.T) {
	require.Equal(t, uint16(0x0001), uint16(CStoreRQ))
	require.Equal(t, uint16(0x8001), uint16(CStoreRSP))
	require.Equal(t, uint16(0x0030), uint16(CEchoRQ))
	require.Equal(t, uint16(0x8030), uint16(CEchoRSP))
}

func TestDIMSEStatusConstants(t *testing.T) {
	require.Equal(t, uint16(0x0000), uint16(StatusSuccess))
	require.Equal(t, uint16(0xFF00), uint16(StatusPending))
	require.Equal(t, uint16(0xC000), uint16(StatusFailure))
}

func TestMessage_HasDataset(t *testing.T) {
	withDataset := &Message{CommandDataSetType: 0x0000}
	require.True(t, withDataset.HasDataset())

	noDataset := &Message{CommandDataSetType: 0x0101}
	require.False(t, noDataset.HasDataset())
}

func TestResponseCommandFor(t *testing.T) {
	require.Equal(t, uint16(CStoreRSP), ResponseCommandFor(CStoreRQ))
	require.Equal(t, uint16(CEchoRSP), ResponseCommandFor(CEchoRQ))
}

func TestMessage_ZeroValue(t *testing.T) {
	msg := &Message{}
	require.Zero(t, msg.CommandField)
	require.Zero(t, msg.MessageID)
	require.Empty(t, msg.AffectedSOPClassUID)
	require.Zero(t, msg.Status)
	require.False(t, msg.HasDataset())
}
