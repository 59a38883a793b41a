// Package dimse implements the DIMSE message exchange on top of the PDU
// layer: command/dataset fragment reassembly, the Implicit VR Little Endian
// command codec, and routing completed C-STORE/C-ECHO messages to an
// interfaces.ServiceHandler.
package dimse

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomstack/interfaces"
	"github.com/caio-sobreiro/dicomstack/types"
)

// Service accumulates command/dataset fragments for one in-flight message
// and dispatches the complete message to a handler.
type Service struct {
	handler     interfaces.ServiceHandler
	logger      zerolog.Logger
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	transferUID string
}

// NewService creates a DIMSE service bound to handler.
func NewService(handler interfaces.ServiceHandler, logger zerolog.Logger) *Service {
	return &Service{handler: handler, logger: logger}
}

// HandleDIMSEMessage processes one PDV's worth of command or dataset data,
// dispatching to the handler once a complete message has been reassembled.
func (d *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error {
	ctx := context.Background()

	isCommand := (msgCtrlHeader & 0x01) != 0
	isLastFragment := (msgCtrlHeader & 0x02) != 0

	if tsUID, err := pduLayer.GetTransferSyntax(presContextID); err == nil && tsUID != "" {
		d.transferUID = tsUID
	} else if err != nil {
		d.logger.Warn().Err(err).Uint8("context_id", presContextID).Msg("could not resolve transfer syntax")
	}

	if isCommand {
		d.commandData = append(d.commandData, data...)
		if isLastFragment {
			msg, err := DecodeCommand(d.commandData)
			if err != nil {
				return fmt.Errorf("decode DIMSE command: %w", err)
			}
			d.currentMsg = msg

			if !msg.HasDataset() {
				return d.processCompleteMessage(ctx, presContextID, pduLayer)
			}
		}
		return nil
	}

	d.datasetData = append(d.datasetData, data...)
	if isLastFragment {
		return d.processCompleteMessage(ctx, presContextID, pduLayer)
	}
	return nil
}

// processCompleteMessage hands a fully reassembled command (plus optional
// dataset) to the bound handler and sends its response back down pduLayer.
func (d *Service) processCompleteMessage(ctx context.Context, presContextID byte, pduLayer interfaces.PDULayer) error {
	if d.currentMsg == nil {
		return fmt.Errorf("no current message to process")
	}
	defer d.resetState()

	tsUID := d.transferUID
	d.currentMsg.TransferSyntaxUID = tsUID

	meta := interfaces.MessageContext{
		PresentationContextID: presContextID,
		TransferSyntaxUID:     tsUID,
	}

	d.logger.Debug().
		Uint16("command_field", d.currentMsg.CommandField).
		Uint16("message_id", d.currentMsg.MessageID).
		Int("dataset_bytes", len(d.datasetData)).
		Msg("dispatching complete DIMSE message")

	responseMsg, responseDataset, err := d.handler.HandleDIMSE(ctx, d.currentMsg, d.datasetData, meta)
	if err != nil {
		return fmt.Errorf("service handler failed: %w", err)
	}

	responseTS := responseMsg.TransferSyntaxUID
	if responseTS == "" {
		responseTS = tsUID
	}

	var encodedDataset []byte
	if responseDataset != nil {
		encodedDataset, err = responseDataset.Encode(responseTS)
		if err != nil {
			return fmt.Errorf("encode response dataset (transfer syntax %s): %w", responseTS, err)
		}
	}
	responseMsg.TransferSyntaxUID = responseTS

	return d.sendResponse(responseMsg, encodedDataset, presContextID, pduLayer)
}

func (d *Service) resetState() {
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil
	d.transferUID = ""
}

func (d *Service) sendResponse(msg *types.Message, data []byte, presContextID byte, pduLayer interfaces.PDULayer) error {
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("encode response command: %w", err)
	}
	if len(data) == 0 {
		return pduLayer.SendDIMSEResponse(presContextID, commandData)
	}
	return pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, data)
}
