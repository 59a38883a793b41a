package pdu

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomstack/types"
)

func parsePresentationContext(data []byte, policy NegotiationPolicy, logger zerolog.Logger) (*PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short: %d", len(data))
	}

	ctxID := data[0]
	subOffset := 4 // skip reserved bytes
	var abstractSyntax string
	var transferSyntaxes []string

	for subOffset+4 <= len(data) {
		subItemType := data[subOffset]
		subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
		valueStart := subOffset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctxID)
		}

		value := data[valueStart:valueEnd]
		switch subItemType {
		case 0x30: // Abstract Syntax
			abstractSyntax = normalizeUID(value)
		case 0x40: // Transfer Syntax
			transferSyntaxes = append(transferSyntaxes, normalizeUID(value))
		}

		subOffset = valueEnd
	}

	if abstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctxID)
	}

	result := presentationResultRejectAbstractSyntax
	selectedTransfer := ""

	if policy.supportsAbstractSyntax(abstractSyntax) {
		for _, ts := range transferSyntaxes {
			if policy.supportsTransferSyntax(ts) {
				selectedTransfer = ts
				result = presentationResultAcceptance
				break
			}
		}
		if result != presentationResultAcceptance {
			result = presentationResultRejectTransferSyntax
		}
	}

	logger.Debug().
		Uint8("context_id", ctxID).
		Str("abstract_syntax", abstractSyntax).
		Strs("proposed_transfer_syntaxes", transferSyntaxes).
		Str("selected_transfer_syntax", selectedTransfer).
		Uint8("result", result).
		Msg("negotiated presentation context")

	if result == presentationResultAcceptance && selectedTransfer == "" {
		result = presentationResultRejectTransferSyntax
	}

	return &PresentationContext{
		ID:             ctxID,
		Result:         result,
		AbstractSyntax: abstractSyntax,
		TransferSyntax: selectedTransfer,
	}, nil
}

func parseUserInformation(data []byte) (uint32, error) {
	offset := 0
	var maxPDULength uint32

	for offset+4 <= len(data) {
		subItemType := data[offset]
		subItemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return 0, fmt.Errorf("user information sub-item exceeds length")
		}

		if subItemType == 0x51 && subItemLength == 4 {
			maxPDULength = binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}

		offset = valueEnd
	}

	return maxPDULength, nil
}

// parseAssociationRequest extracts AE titles, presentation contexts, and the
// requested max PDU length from an A-ASSOCIATE-RQ PDU into ctx.
func parseAssociationRequest(pduData []byte, ctx *AssociationContext, policy NegotiationPolicy, logger zerolog.Logger) error {
	if len(pduData) < 68 {
		return fmt.Errorf("association request too short")
	}

	calledAE := strings.TrimSpace(strings.TrimRight(string(pduData[4:20]), "\x00"))
	callingAE := strings.TrimSpace(strings.TrimRight(string(pduData[20:36]), "\x00"))

	ctx.CalledAETitle = calledAE
	ctx.CallingAETitle = callingAE
	ctx.PresentationCtxs = make(map[byte]*PresentationContext)

	logger.Info().Str("calling_ae", callingAE).Str("called_ae", calledAE).Msg("parsed association request")

	offset := 68
	var proposed, accepted int

	for offset < len(pduData) {
		if offset+4 > len(pduData) {
			break
		}

		itemType := pduData[offset]
		itemLength := binary.BigEndian.Uint16(pduData[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(pduData) {
			return fmt.Errorf("association item exceeds PDU length")
		}
		itemData := pduData[valueStart:valueEnd]

		switch itemType {
		case 0x20: // Presentation Context
			proposed++
			pc, err := parsePresentationContext(itemData, policy, logger)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to parse presentation context")
			} else {
				ctx.PresentationCtxs[pc.ID] = pc
				if pc.Result == presentationResultAcceptance {
					accepted++
				}
			}
		case 0x50: // User Information
			if maxPDULength, err := parseUserInformation(itemData); err != nil {
				logger.Warn().Err(err).Msg("failed to parse user information")
			} else if maxPDULength > 0 {
				ctx.MaxPDULength = maxPDULength
			}
		}

		offset = valueEnd
	}

	logger.Info().Int("proposed", proposed).Int("accepted", accepted).Uint32("max_pdu_length", ctx.MaxPDULength).Msg("negotiated presentation contexts")
	return nil
}

// addDefaultPresentationContexts populates ctx with a conservative fallback
// set used only when the incoming A-ASSOCIATE-RQ could not be parsed:
// Verification plus the storage SOP classes the teacher's own SCU proposed
// by default.
func addDefaultPresentationContexts(ctx *AssociationContext) {
	defaults := []struct {
		id             byte
		abstractSyntax string
	}{
		{1, types.VerificationSOPClass},
		{3, types.CTImageStorage},
		{5, types.MRImageStorage},
		{7, types.SecondaryCaptureImageStorage},
	}

	for _, d := range defaults {
		ctx.PresentationCtxs[d.id] = &PresentationContext{
			ID:             d.id,
			Result:         presentationResultAcceptance,
			AbstractSyntax: d.abstractSyntax,
			TransferSyntax: types.ImplicitVRLittleEndian,
		}
	}
}

// createAssociateAccept builds an A-ASSOCIATE-AC PDU reflecting ctx's
// negotiated presentation contexts.
func createAssociateAccept(ctx *AssociationContext, serverAETitle string, logger zerolog.Logger) []byte {
	fixedFields := make([]byte, 68)
	binary.BigEndian.PutUint16(fixedFields[0:2], 0x0001)

	calledAE := ctx.CalledAETitle
	if calledAE == "" {
		calledAE = serverAETitle
	}
	if len(calledAE) > 16 {
		calledAE = calledAE[:16]
	}
	callingAE := ctx.CallingAETitle
	if len(callingAE) > 16 {
		callingAE = callingAE[:16]
	}

	copy(fixedFields[4:20], fmt.Sprintf("%-16s", calledAE))
	copy(fixedFields[20:36], fmt.Sprintf("%-16s", callingAE))

	appContextUID := types.ApplicationContextUID
	appContextItem := []byte{0x10, 0x00}
	appContextLen := make([]byte, 2)
	binary.BigEndian.PutUint16(appContextLen, uint16(len(appContextUID)))
	appContextItem = append(appContextItem, appContextLen...)
	appContextItem = append(appContextItem, []byte(appContextUID)...)

	var contextIDs []byte
	for id := range ctx.PresentationCtxs {
		contextIDs = append(contextIDs, id)
	}
	for i := 0; i < len(contextIDs); i++ {
		for j := i + 1; j < len(contextIDs); j++ {
			if contextIDs[i] > contextIDs[j] {
				contextIDs[i], contextIDs[j] = contextIDs[j], contextIDs[i]
			}
		}
	}

	var allPresContextItems []byte
	for _, id := range contextIDs {
		pc := ctx.PresentationCtxs[id]

		// DCMTK/Orthanc incorrectly reject A-ASSOCIATE-AC PDUs that include
		// rejected presentation contexts, though PS3.8 9.3.3.3 permits
		// including them. Skip rejected contexts for interop.
		if pc.Result != presentationResultAcceptance {
			logger.Debug().Uint8("context_id", pc.ID).Uint8("result", pc.Result).Msg("skipping rejected context (compatibility workaround)")
			continue
		}

		var presContextData []byte
		if pc.TransferSyntax == "" {
			logger.Error().Uint8("context_id", pc.ID).Str("abstract_syntax", pc.AbstractSyntax).Msg("accepted context missing transfer syntax")
			pc.Result = presentationResultRejectTransferSyntax
		} else {
			tsItem := []byte{0x40, 0x00}
			tsLen := make([]byte, 2)
			binary.BigEndian.PutUint16(tsLen, uint16(len(pc.TransferSyntax)))
			tsItem = append(tsItem, tsLen...)
			tsItem = append(tsItem, []byte(pc.TransferSyntax)...)
			presContextData = tsItem
		}

		presContextItem := []byte{0x21, 0x00}
		presContextLen := make([]byte, 2)
		binary.BigEndian.PutUint16(presContextLen, uint16(4+len(presContextData)))
		presContextItem = append(presContextItem, presContextLen...)
		presContextItem = append(presContextItem, pc.ID, pc.Result, 0x00, 0x00)
		presContextItem = append(presContextItem, presContextData...)

		allPresContextItems = append(allPresContextItems, presContextItem...)
	}

	maxPDUItem := []byte{0x51, 0x00, 0x00, 0x04}
	maxPDUValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDUValue, ctx.MaxPDULength)
	maxPDUItem = append(maxPDUItem, maxPDUValue...)

	implClassUID := "1.2.3.4.5.6.7.8.9"
	implClassItem := []byte{0x52, 0x00}
	implClassLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implClassLen, uint16(len(implClassUID)))
	implClassItem = append(implClassItem, implClassLen...)
	implClassItem = append(implClassItem, []byte(implClassUID)...)

	implVersionName := "DICOMSTACK_1.0"
	implVersionItem := []byte{0x55, 0x00}
	implVersionLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implVersionLen, uint16(len(implVersionName)))
	implVersionItem = append(implVersionItem, implVersionLen...)
	implVersionItem = append(implVersionItem, []byte(implVersionName)...)

	userInfoData := append(maxPDUItem, implClassItem...)
	userInfoData = append(userInfoData, implVersionItem...)
	userInfoItem := []byte{0x50, 0x00}
	userInfoLen := make([]byte, 2)
	binary.BigEndian.PutUint16(userInfoLen, uint16(len(userInfoData)))
	userInfoItem = append(userInfoItem, userInfoLen...)
	userInfoItem = append(userInfoItem, userInfoData...)

	variableItems := append(appContextItem, allPresContextItems...)
	variableItems = append(variableItems, userInfoItem...)
	pduData := append(fixedFields, variableItems...)

	pduHeader := []byte{TypeAssociateAC, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pduData)))
	pduHeader = append(pduHeader, pduLength...)

	return append(pduHeader, pduData...)
}

// createAssociateReject builds an A-ASSOCIATE-RJ PDU (PS3.8 9.3.4): one
// reserved byte, result, source, and reason.
func createAssociateReject(result, source, reason byte) []byte {
	payload := []byte{0x00, result, source, reason}

	pduHeader := []byte{TypeAssociateRJ, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(payload)))
	pduHeader = append(pduHeader, pduLength...)

	return append(pduHeader, payload...)
}

// createAbort builds an A-ABORT PDU (PS3.8 9.3.8): two reserved bytes,
// source, and reason.
func createAbort(source, reason byte) []byte {
	payload := []byte{0x00, 0x00, source, reason}

	pduHeader := []byte{TypeAbort, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(payload)))
	pduHeader = append(pduHeader, pduLength...)

	return append(pduHeader, payload...)
}
