package pdu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMachine_HappyPathTransitions(t *testing.T) {
	m := NewMachine()
	require.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Transition(EventTransportOpen))
	require.Equal(t, StateAwaitingAssociate, m.State())

	require.NoError(t, m.Transition(EventAssociateRQ))
	require.Equal(t, StateEstablished, m.State())

	require.NoError(t, m.Transition(EventPDataTF))
	require.Equal(t, StateEstablished, m.State())

	require.NoError(t, m.Transition(EventReleaseRQ))
	require.Equal(t, StateAwaitingReleaseRP, m.State())

	require.NoError(t, m.Transition(EventReleaseRP))
	require.Equal(t, StateClosed, m.State())
}

func TestMachine_IllegalTransitionRejected(t *testing.T) {
	m := NewMachine()
	err := m.Transition(EventPDataTF)
	require.Error(t, err)
	require.Equal(t, StateIdle, m.State())
}

func TestMachine_CheckPDULength_Strict(t *testing.T) {
	m := NewMachine()
	m.Strict = true

	require.NoError(t, m.CheckPDULength(1000, 16384))
	require.Error(t, m.CheckPDULength(20000, 16384))
}

func TestMachine_CheckPDULength_Relaxed(t *testing.T) {
	m := NewMachine()
	m.Strict = false

	require.NoError(t, m.CheckPDULength(20000, 16384))   // within 2x tolerance
	require.Error(t, m.CheckPDULength(40000, 16384))      // exceeds 2x tolerance
}
