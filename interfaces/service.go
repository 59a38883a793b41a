// Package interfaces contains the seams between protocol layers: the PDU
// layer talks to the DIMSE layer through DIMSEHandler/PDULayer, and the
// DIMSE layer talks to application services through ServiceHandler.
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomstack/dcmio"
	"github.com/caio-sobreiro/dicomstack/types"
)

// MessageContext carries per-message metadata a ServiceHandler needs beyond
// the command fields themselves: which presentation context the message
// arrived on and the transfer syntax negotiated for it.
type MessageContext struct {
	PresentationContextID byte
	TransferSyntaxUID     string
}

// ServiceHandler handles a single DIMSE operation (C-STORE or C-ECHO) and
// returns the response command plus an optional response dataset.
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, *dcmio.Dataset, error)
}

// DIMSEHandler lets the PDU layer forward reassembled DIMSE messages up to
// the DIMSE service without depending on its concrete type.
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer lets the DIMSE layer send responses and query negotiated
// transfer syntaxes without depending on the PDU layer's concrete type.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
}
