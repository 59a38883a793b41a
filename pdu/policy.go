package pdu

import "github.com/caio-sobreiro/dicomstack/types"

// AbstractSyntaxMode selects which abstract syntaxes an acceptor allows
// proposed presentation contexts to use.
type AbstractSyntaxMode int

const (
	// AllStorage accepts Verification plus every storage SOP class known to
	// types.IsStorageSOPClass — the mode a StoreSCP runs in.
	AllStorage AbstractSyntaxMode = iota
	// All accepts storage, Verification, and Query/Retrieve SOP classes.
	All
	// Custom accepts only the UIDs listed in NegotiationPolicy.CustomAbstractSyntaxes.
	Custom
)

// TransferSyntaxMode selects which transfer syntaxes an acceptor offers for
// an accepted abstract syntax.
type TransferSyntaxMode int

const (
	// TransferSyntaxAll accepts every transfer syntax this stack recognizes,
	// including compressed ones decoded through the pixel package's Transcoder.
	TransferSyntaxAll TransferSyntaxMode = iota
	// TransferSyntaxUncompressedOnly accepts only Implicit/Explicit VR Little Endian.
	TransferSyntaxUncompressedOnly
	// TransferSyntaxCustom accepts only the UIDs listed in
	// NegotiationPolicy.CustomTransferSyntaxes.
	TransferSyntaxCustom
)

// NegotiationPolicy configures which presentation contexts an acceptor
// negotiates, per spec: "Acceptor's allowed abstract syntaxes are configured
// by one of three modes... Transfer-syntax selection modes: All,
// UncompressedOnly, or Custom."
type NegotiationPolicy struct {
	AbstractSyntaxMode     AbstractSyntaxMode
	TransferSyntaxMode     TransferSyntaxMode
	CustomAbstractSyntaxes []string
	CustomTransferSyntaxes []string
	LocalMaxPDULength      uint32

	// Strict governs both PDU length discipline (Machine.CheckPDULength) and
	// association-level negotiation failure: in strict mode, a PDU exceeding
	// the negotiated max aborts the connection and an association with zero
	// accepted presentation contexts is closed with A-ASSOCIATE-RJ instead of
	// an empty A-ASSOCIATE-AC.
	Strict bool
}

// DefaultPolicy is a StoreSCP-shaped policy: all storage SOP classes plus
// Verification, any recognized transfer syntax, 16KB default max PDU.
func DefaultPolicy() NegotiationPolicy {
	return NegotiationPolicy{
		AbstractSyntaxMode: AllStorage,
		TransferSyntaxMode: TransferSyntaxAll,
		LocalMaxPDULength:  16384,
	}
}

var queryRetrieveAbstractSyntaxes = map[string]bool{
	types.PatientRootQueryRetrieveInformationModelFind: true,
	types.StudyRootQueryRetrieveInformationModelFind:   true,
	types.PatientRootQueryRetrieveInformationModelMove: true,
	types.StudyRootQueryRetrieveInformationModelMove:   true,
}

var compressedTransferSyntaxes = map[string]bool{
	types.JPEGBaseline8Bit:   true,
	types.JPEGExtended12Bit:  true,
	types.JPEGLossless:       true,
	types.JPEGLosslessSV1:    true,
	types.JPEGLSLossless:     true,
	types.JPEGLSNearLossless: true,
	types.JPEG2000Lossless:   true,
	types.JPEG2000:           true,
	types.RLELossless:        true,
}

var uncompressedTransferSyntaxes = map[string]bool{
	types.ImplicitVRLittleEndian: true,
	types.ExplicitVRLittleEndian: true,
}

func (p NegotiationPolicy) supportsAbstractSyntax(uid string) bool {
	switch p.AbstractSyntaxMode {
	case Custom:
		for _, candidate := range p.CustomAbstractSyntaxes {
			if candidate == uid {
				return true
			}
		}
		return false
	case All:
		if uid == types.VerificationSOPClass || types.IsStorageSOPClass(uid) || queryRetrieveAbstractSyntaxes[uid] {
			return true
		}
		return false
	default: // AllStorage
		return uid == types.VerificationSOPClass || types.IsStorageSOPClass(uid)
	}
}

func (p NegotiationPolicy) supportsTransferSyntax(uid string) bool {
	switch p.TransferSyntaxMode {
	case TransferSyntaxCustom:
		for _, candidate := range p.CustomTransferSyntaxes {
			if candidate == uid {
				return true
			}
		}
		return false
	case TransferSyntaxUncompressedOnly:
		return uncompressedTransferSyntaxes[uid]
	default: // TransferSyntaxAll
		return uncompressedTransferSyntaxes[uid] || compressedTransferSyntaxes[uid]
	}
}

func (p NegotiationPolicy) maxPDULength() uint32 {
	if p.LocalMaxPDULength == 0 {
		return 16384
	}
	return p.LocalMaxPDULength
}
