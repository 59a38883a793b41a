package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomstack/dicomerr"
	"github.com/caio-sobreiro/dicomstack/interfaces"
)

// Layer handles one connection's DICOM Upper Layer Protocol lifecycle:
// association negotiation, P-DATA-TF fragment routing to a DIMSE handler,
// and release/abort.
type Layer struct {
	conn           net.Conn
	associationCtx *AssociationContext
	machine        *Machine
	dimseHandler   interfaces.DIMSEHandler
	serverAETitle  string
	policy         NegotiationPolicy
	logger         zerolog.Logger
}

// NewLayer creates a PDU layer for one accepted connection.
func NewLayer(conn net.Conn, dimseHandler interfaces.DIMSEHandler, serverAETitle string, policy NegotiationPolicy, logger zerolog.Logger) *Layer {
	machine := NewMachine()
	machine.Strict = policy.Strict

	return &Layer{
		conn:          conn,
		dimseHandler:  dimseHandler,
		serverAETitle: serverAETitle,
		policy:        policy,
		machine:       machine,
		logger:        logger,
	}
}

// HandleConnection drives one connection from transport-open through
// association close.
func (p *Layer) HandleConnection() error {
	defer p.conn.Close()
	p.logger.Info().Str("remote_addr", p.conn.RemoteAddr().String()).Msg("new DICOM connection")

	if err := p.machine.Transition(EventTransportOpen); err != nil {
		return err
	}

	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}

	for {
		pduFrame, err := readPDU(p.conn)
		if err != nil {
			if err == io.EOF {
				p.logger.Info().Msg("connection closed by peer")
			} else {
				p.logger.Warn().Err(err).Msg("error reading PDU")
			}
			_ = p.machine.Transition(EventTransportClosed)
			break
		}

		if err := p.checkLength(pduFrame.Length); err != nil {
			p.logger.Warn().Err(err).Msg("PDU length discipline violated")
			p.sendAbort(AbortSourceServiceProvider, AbortReasonUnrecognizedPDU)
			return err
		}

		if err := p.handlePDU(pduFrame); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("error handling PDU: %w", err)
		}
	}

	return nil
}

func (p *Layer) checkLength(length uint32) error {
	maxLen := p.policy.maxPDULength()
	if p.associationCtx != nil && p.associationCtx.MaxPDULength > 0 {
		maxLen = p.associationCtx.MaxPDULength
	}
	err := p.machine.CheckPDULength(length, maxLen)
	if err == nil && maxLen > 0 && length > maxLen {
		p.logger.Warn().Uint32("pdu_length", length).Uint32("max_pdu_length", maxLen).Msg("tolerating oversized PDU in relaxed mode")
	}
	return err
}

// sendAbort writes an A-ABORT PDU to the peer and transitions the state
// machine accordingly. Write failures are logged, not returned: the
// connection is being torn down either way.
func (p *Layer) sendAbort(source, reason byte) {
	if _, err := p.conn.Write(createAbort(source, reason)); err != nil {
		p.logger.Warn().Err(err).Msg("failed to send A-ABORT")
	}
	_ = p.machine.Transition(EventAbort)
}

func (p *Layer) handlePDU(frame *PDU) error {
	p.logger.Debug().Uint8("type", frame.Type).Uint32("length", frame.Length).Msg("received PDU")

	switch frame.Type {
	case TypePDataTF:
		if err := p.machine.Transition(EventPDataTF); err != nil {
			p.sendAbort(AbortSourceServiceProvider, AbortReasonUnexpectedPDU)
			return err
		}
		return p.handlePDataTF(frame)
	case TypeReleaseRQ:
		if err := p.machine.Transition(EventReleaseRQ); err != nil {
			p.sendAbort(AbortSourceServiceProvider, AbortReasonUnexpectedPDU)
			return err
		}
		return p.handleReleaseRequest()
	case TypeReleaseRP:
		_ = p.machine.Transition(EventReleaseRP)
		p.logger.Debug().Msg("received A-RELEASE-RP")
		return io.EOF
	case TypeAbort:
		_ = p.machine.Transition(EventAbort)
		p.logger.Info().Msg("received A-ABORT")
		return io.EOF
	default:
		p.logger.Warn().Uint8("type", frame.Type).Msg("unhandled PDU type")
		return nil
	}
}

func (p *Layer) handleAssociationPhase() error {
	frame, err := readPDU(p.conn)
	if err != nil {
		return fmt.Errorf("read association request: %w", err)
	}

	if frame.Type != TypeAssociateRQ {
		p.sendAbort(AbortSourceServiceProvider, AbortReasonUnexpectedPDU)
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type: 0x%02x", frame.Type)
	}

	if err := p.machine.Transition(EventAssociateRQ); err != nil {
		p.sendAbort(AbortSourceServiceProvider, AbortReasonUnexpectedPDU)
		return err
	}

	return p.handleAssociateRequest(frame)
}

func (p *Layer) handleAssociateRequest(frame *PDU) error {
	p.associationCtx = &AssociationContext{
		CalledAETitle:    p.serverAETitle,
		CallingAETitle:   "UNKNOWN",
		MaxPDULength:     p.policy.maxPDULength(),
		PresentationCtxs: make(map[byte]*PresentationContext),
	}

	if err := parseAssociationRequest(frame.Data, p.associationCtx, p.policy, p.logger); err != nil {
		p.logger.Debug().Err(err).Msg("falling back to default presentation contexts")
	}

	if len(p.associationCtx.PresentationCtxs) == 0 {
		addDefaultPresentationContexts(p.associationCtx)
	}

	if p.policy.Strict && !hasAcceptedContext(p.associationCtx) {
		p.logger.Warn().Msg("no presentation context accepted, rejecting association (strict mode)")
		reject := createAssociateReject(RejectResultPermanent, RejectSourceServiceProviderACSE, RejectReasonNoReasonGiven)
		if _, err := p.conn.Write(reject); err != nil {
			return dicomerr.NewNetworkError("send A-ASSOCIATE-RJ", err)
		}
		_ = p.machine.Transition(EventAssociateRejected)
		p.logger.Debug().Msg("sent A-ASSOCIATE-RJ")
		return dicomerr.ErrAssociationRejected
	}

	response := createAssociateAccept(p.associationCtx, p.serverAETitle, p.logger)
	if _, err := p.conn.Write(response); err != nil {
		return dicomerr.NewNetworkError("send A-ASSOCIATE-AC", err)
	}

	p.logger.Debug().Msg("sent A-ASSOCIATE-AC")
	return nil
}

// hasAcceptedContext reports whether at least one presentation context in
// ctx was negotiated successfully.
func hasAcceptedContext(ctx *AssociationContext) bool {
	for _, pc := range ctx.PresentationCtxs {
		if pc.Result == presentationResultAcceptance {
			return true
		}
	}
	return false
}

func (p *Layer) handlePDataTF(frame *PDU) error {
	if len(frame.Data) < 6 {
		return fmt.Errorf("P-DATA-TF too short")
	}

	pdvLength := binary.BigEndian.Uint32(frame.Data[0:4])
	if len(frame.Data) < int(4+pdvLength) {
		return fmt.Errorf("incomplete PDV data")
	}

	pdvData := frame.Data[4 : 4+pdvLength]
	if len(pdvData) < 2 {
		return fmt.Errorf("PDV data too short")
	}

	presContextID := pdvData[0]
	msgCtrlHeader := pdvData[1]
	dimseData := pdvData[2:]

	return p.dimseHandler.HandleDIMSEMessage(presContextID, msgCtrlHeader, dimseData, p)
}

func (p *Layer) handleReleaseRequest() error {
	response := []byte{TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if _, err := p.conn.Write(response); err != nil {
		return dicomerr.NewNetworkError("send A-RELEASE-RP", err)
	}
	p.logger.Debug().Msg("sent A-RELEASE-RP")
	return io.EOF
}

// SendDIMSEResponse implements interfaces.PDULayer.
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset implements interfaces.PDULayer.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	if err := p.sendPDV(presContextID, commandData, true); err != nil {
		return fmt.Errorf("send command PDU: %w", err)
	}

	if len(datasetData) > 0 {
		if err := p.sendPDV(presContextID, datasetData, false); err != nil {
			return fmt.Errorf("send dataset PDU: %w", err)
		}
	}

	return nil
}

func (p *Layer) sendPDV(presContextID byte, payload []byte, isCommand bool) error {
	controlHeader := byte(0x02) // last fragment
	if isCommand {
		controlHeader |= 0x01
	}

	pdv := append([]byte{presContextID, controlHeader}, payload...)

	pdvLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pdvLength, uint32(len(pdv)))

	pduHeader := []byte{TypePDataTF, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pdvLength)+len(pdv)))

	frame := append(pduHeader, pduLength...)
	frame = append(frame, pdvLength...)
	frame = append(frame, pdv...)

	_, err := p.conn.Write(frame)
	return err
}

// GetTransferSyntax implements interfaces.PDULayer.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}

	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not found", presContextID)
	}
	if ctx.TransferSyntax == "" {
		return "", fmt.Errorf("no transfer syntax negotiated for presentation context %d", presContextID)
	}

	return ctx.TransferSyntax, nil
}
