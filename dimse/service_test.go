package dimse

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomstack/dcmio"
	"github.com/caio-sobreiro/dicomstack/interfaces"
	"github.com/caio-sobreiro/dicomstack/types"
)

type fakeHandler struct {
	called bool
	msg    *types.Message
	meta   interfaces.MessageContext
}

func (f *fakeHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dcmio.Dataset, error) {
	f.called = true
	f.msg = msg
	f.meta = meta

	resp := &types.Message{
		CommandField:              types.ResponseCommandFor(msg.CommandField),
		MessageIDBeingRespondedTo: msg.MessageID,
		Status:                    types.StatusSuccess,
		CommandDataSetType:        0x0101,
	}
	return resp, nil, nil
}

type fakePDULayer struct {
	transferSyntax string
	sentCommand    []byte
	sentDataset    []byte
}

func (f *fakePDULayer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	f.sentCommand = commandData
	return nil
}

func (f *fakePDULayer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	f.sentCommand = commandData
	f.sentDataset = datasetData
	return nil
}

func (f *fakePDULayer) GetTransferSyntax(presContextID byte) (string, error) {
	return f.transferSyntax, nil
}

func TestService_HandleDIMSEMessage_EchoSingleFragment(t *testing.T) {
	handler := &fakeHandler{}
	svc := NewService(handler, zerolog.Nop())
	pduLayer := &fakePDULayer{transferSyntax: "1.2.840.10008.1.2"}

	command := &types.Message{
		CommandField:       types.CEchoRQ,
		MessageID:          9,
		CommandDataSetType: 0x0101,
	}
	commandData, err := EncodeCommand(command)
	require.NoError(t, err)

	err = svc.HandleDIMSEMessage(1, 0x03, commandData, pduLayer)
	require.NoError(t, err)
	require.True(t, handler.called)
	require.Equal(t, types.CEchoRQ, handler.msg.CommandField)
	require.Equal(t, "1.2.840.10008.1.2", handler.meta.TransferSyntaxUID)
	require.NotEmpty(t, pduLayer.sentCommand)

	decoded, err := DecodeCommand(pduLayer.sentCommand)
	require.NoError(t, err)
	require.Equal(t, types.CEchoRSP, decoded.CommandField)
	require.Equal(t, types.StatusSuccess, decoded.Status)
}

func TestService_HandleDIMSEMessage_MultiFragmentCommand(t *testing.T) {
	handler := &fakeHandler{}
	svc := NewService(handler, zerolog.Nop())
	pduLayer := &fakePDULayer{transferSyntax: "1.2.840.10008.1.2"}

	command := &types.Message{
		CommandField:       types.CEchoRQ,
		MessageID:          3,
		CommandDataSetType: 0x0101,
	}
	commandData, err := EncodeCommand(command)
	require.NoError(t, err)

	mid := len(commandData) / 2
	require.NoError(t, svc.HandleDIMSEMessage(1, 0x01, commandData[:mid], pduLayer))
	require.False(t, handler.called)
	require.NoError(t, svc.HandleDIMSEMessage(1, 0x03, commandData[mid:], pduLayer))
	require.True(t, handler.called)
}
