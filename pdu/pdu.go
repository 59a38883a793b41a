// Package pdu implements DICOM Upper Layer Protocol PDU framing (PS3.8): PDU
// encode/decode, presentation context negotiation, and the association
// state machine, wired to the DIMSE layer through interfaces.DIMSEHandler.
package pdu

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/caio-sobreiro/dicomstack/dicomerr"
)

// PDU type bytes (PS3.8 Table 9-11 and friends).
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// PDU is a decoded Protocol Data Unit: a type byte, a 4-byte length, and the
// raw payload that follows.
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// AssociationContext holds the negotiated state of one association.
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
}

// PresentationContext is one negotiated (abstract syntax, transfer syntax)
// pairing, keyed by its odd presentation-context ID.
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// Presentation Context Result values (PS3.8 Table 9-18).
const (
	presentationResultAcceptance           byte = 0x00
	presentationResultRejectAbstractSyntax byte = 0x03
	presentationResultRejectTransferSyntax byte = 0x04
)

// A-ASSOCIATE-RJ result values (PS3.8 Table 9-21).
const (
	RejectResultPermanent byte = 0x01
	RejectResultTransient byte = 0x02
)

// A-ASSOCIATE-RJ source values (PS3.8 Table 9-21).
const (
	RejectSourceServiceUser                 byte = 0x01
	RejectSourceServiceProviderACSE         byte = 0x02
	RejectSourceServiceProviderPresentation byte = 0x03
)

// A-ASSOCIATE-RJ reason values for RejectSourceServiceProviderACSE (PS3.8
// Table 9-21).
const (
	RejectReasonNoReasonGiven               byte = 0x01
	RejectReasonProtocolVersionNotSupported byte = 0x02
)

// A-ABORT source values (PS3.8 Table 9-26).
const (
	AbortSourceServiceUser     byte = 0x00
	AbortSourceServiceProvider byte = 0x02
)

// A-ABORT reason values for AbortSourceServiceProvider (PS3.8 Table 9-26).
const (
	AbortReasonNotSpecified             byte = 0x00
	AbortReasonUnrecognizedPDU          byte = 0x01
	AbortReasonUnexpectedPDU            byte = 0x02
	AbortReasonUnrecognizedPDUParameter byte = 0x04
	AbortReasonUnexpectedPDUParameter   byte = 0x05
	AbortReasonInvalidPDUParameterValue byte = 0x06
)

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

// ReadPDU reads one complete PDU (header + payload) from r. Exported for the
// scu package, which drives PDU framing client-side the way Layer drives it
// server-side.
func ReadPDU(r io.Reader) (*PDU, error) {
	return readPDU(r)
}

// readPDU reads one complete PDU (header + payload) from r.
func readPDU(r io.Reader) (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	data := make([]byte, pduLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, dicomerr.NewNetworkError("read PDU payload", err)
	}

	return &PDU{Type: pduType, Length: pduLength, Data: data}, nil
}
