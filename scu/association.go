package scu

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomstack/dicomerr"
	"github.com/caio-sobreiro/dicomstack/dimse"
	"github.com/caio-sobreiro/dicomstack/pdu"
	"github.com/caio-sobreiro/dicomstack/types"
)

// Config holds the target and connection parameters for one or more
// associations opened by a Dispatcher.
type Config struct {
	Address        string
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// TransferSyntaxOverride, when set, is proposed ahead of any transfer
	// syntax discovered by the metadata scan.
	TransferSyntaxOverride string

	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = 16384
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
}

// presentationProposal is one (abstract syntax, candidate transfer syntaxes)
// pairing built from the dispatcher's metadata scan of the queued files.
type presentationProposal struct {
	abstractSyntax   string
	transferSyntaxes []string
}

// negotiatedContext is one presentation context as accepted or rejected by
// the peer's A-ASSOCIATE-AC/RJ.
type negotiatedContext struct {
	id             byte
	abstractSyntax string
	transferSyntax string
	accepted       bool
}

// association is one client-side DICOM association: a TCP connection plus
// the negotiated presentation contexts available to send C-STORE requests
// over. Grounded on the teacher's client/association.go, generalized so
// presentation contexts are proposed from the Dispatcher's metadata scan
// rather than a hardcoded SOP class list.
type association struct {
	conn         net.Conn
	maxPDULength uint32
	contexts     map[byte]*negotiatedContext
	logger       zerolog.Logger
}

// connect dials address, sends A-ASSOCIATE-RQ proposing one presentation
// context per proposal, and waits for A-ASSOCIATE-AC.
func connect(ctx context.Context, cfg Config, proposals []presentationProposal) (*association, error) {
	cfg.setDefaults()

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, dicomerr.NewNetworkError("dial", err)
	}

	return negotiate(conn, cfg, proposals)
}

// negotiate drives A-ASSOCIATE-RQ/AC over an already-connected conn. Split
// out from connect so tests can exercise the handshake over a net.Pipe
// instead of a real TCP dial.
func negotiate(conn net.Conn, cfg Config, proposals []presentationProposal) (*association, error) {
	cfg.setDefaults()

	if err := conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout)); err != nil {
		conn.Close()
		return nil, dicomerr.NewNetworkError("set connect deadline", err)
	}

	a := &association{
		conn:         conn,
		maxPDULength: cfg.MaxPDULength,
		contexts:     make(map[byte]*negotiatedContext),
		logger:       cfg.Logger,
	}

	if err := a.sendAssociateRQ(cfg, proposals); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send A-ASSOCIATE-RQ: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout)); err != nil {
		conn.Close()
		return nil, dicomerr.NewNetworkError("set read deadline", err)
	}

	if err := a.receiveAssociateAC(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, dicomerr.NewNetworkError("clear deadline", err)
	}

	a.logger.Info().
		Str("address", cfg.Address).
		Str("calling_ae", cfg.CallingAETitle).
		Str("called_ae", cfg.CalledAETitle).
		Int("proposed_contexts", len(proposals)).
		Msg("association established")

	return a, nil
}

func (a *association) sendAssociateRQ(cfg Config, proposals []presentationProposal) error {
	buf := make([]byte, 0, 1024)

	buf = append(buf, 0x00, 0x01) // protocol version
	buf = append(buf, 0x00, 0x00) // reserved
	buf = append(buf, padAE(cfg.CalledAETitle)...)
	buf = append(buf, padAE(cfg.CallingAETitle)...)
	buf = append(buf, make([]byte, 32)...) // reserved

	buf = appendItem(buf, 0x10, []byte(types.ApplicationContextUID))

	var contextID byte = 1
	for _, p := range proposals {
		buf = a.appendPresentationContext(buf, contextID, p)
		contextID += 2 // presentation context IDs are odd per PS3.8
	}

	buf = appendUserInformation(buf, cfg.MaxPDULength)

	header := make([]byte, 6)
	header[0] = pdu.TypeAssociateRQ
	binary.BigEndian.PutUint32(header[2:6], uint32(len(buf)))

	if _, err := a.conn.Write(header); err != nil {
		return dicomerr.NewNetworkError("write A-ASSOCIATE-RQ header", err)
	}
	if _, err := a.conn.Write(buf); err != nil {
		return dicomerr.NewNetworkError("write A-ASSOCIATE-RQ body", err)
	}
	return nil
}

func (a *association) appendPresentationContext(buf []byte, contextID byte, p presentationProposal) []byte {
	start := len(buf)

	buf = append(buf, 0x20, 0x00, 0x00, 0x00) // item type, reserved, length placeholder
	buf = append(buf, contextID, 0x00, 0x00, 0x00)

	buf = appendItem(buf, 0x30, []byte(p.abstractSyntax))
	for _, ts := range p.transferSyntaxes {
		buf = appendItem(buf, 0x40, []byte(ts))
	}

	length := len(buf) - start - 4
	binary.BigEndian.PutUint16(buf[start+2:start+4], uint16(length))

	a.contexts[contextID] = &negotiatedContext{id: contextID, abstractSyntax: p.abstractSyntax}
	return buf
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

func appendUserInformation(buf []byte, maxPDULength uint32) []byte {
	start := len(buf)
	buf = append(buf, 0x50, 0x00, 0x00, 0x00) // placeholder length

	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, maxPDULength)
	buf = appendItem(buf, 0x51, maxLen)

	buf = appendItem(buf, 0x52, []byte("1.2.840.10008.1.2.1"))
	buf = appendItem(buf, 0x55, []byte("DICOMSTACK-SCU-1.0"))

	length := len(buf) - start - 4
	binary.BigEndian.PutUint16(buf[start+2:start+4], uint16(length))
	return buf
}

func padAE(ae string) []byte {
	buf := make([]byte, 16)
	copy(buf, ae)
	for i := len(ae); i < 16; i++ {
		buf[i] = ' '
	}
	return buf
}

func (a *association) receiveAssociateAC() error {
	frame, err := pdu.ReadPDU(a.conn)
	if err != nil {
		return dicomerr.NewNetworkError("read A-ASSOCIATE-AC", err)
	}

	if frame.Type == pdu.TypeAssociateRJ {
		return dicomerr.NewAssociationError(dicomerr.RejectSourceServiceProvider, dicomerr.RejectReasonUnknown, "peer rejected association")
	}
	if frame.Type != pdu.TypeAssociateAC {
		return dicomerr.NewPDUError(frame.Type, "expected A-ASSOCIATE-AC")
	}

	data := frame.Data
	offset := 68 // fixed fields: version/reserved/AE titles/reserved
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		itemEnd := offset + 4 + itemLength
		if itemEnd > len(data) {
			break
		}

		if itemType == 0x21 && itemLength >= 4 {
			a.parsePresentationContextResult(data[offset+4 : itemEnd])
		}

		offset = itemEnd
	}

	return nil
}

func (a *association) parsePresentationContextResult(item []byte) {
	contextID := item[0]
	result := item[2]

	ctx, ok := a.contexts[contextID]
	if !ok {
		return
	}

	ctx.accepted = result == 0x00

	subOffset := 4
	for subOffset+4 <= len(item) {
		subItemType := item[subOffset]
		subItemLength := int(binary.BigEndian.Uint16(item[subOffset+2 : subOffset+4]))
		subEnd := subOffset + 4 + subItemLength
		if subEnd > len(item) {
			break
		}

		if subItemType == 0x40 {
			ctx.transferSyntax = strings.TrimRight(string(item[subOffset+4:subEnd]), "\x00 ")
		}

		subOffset = subEnd
	}

	a.logger.Debug().
		Uint8("context_id", contextID).
		Str("abstract_syntax", ctx.abstractSyntax).
		Bool("accepted", ctx.accepted).
		Str("transfer_syntax", ctx.transferSyntax).
		Msg("negotiated presentation context")
}

// contextFor returns the accepted presentation context for abstractSyntax.
func (a *association) contextFor(abstractSyntax string) (*negotiatedContext, error) {
	for _, ctx := range a.contexts {
		if ctx.abstractSyntax == abstractSyntax && ctx.accepted {
			return ctx, nil
		}
	}
	return nil, dicomerr.ErrNoPresentationCtx
}

// release sends A-RELEASE-RQ and waits for A-RELEASE-RP before closing.
func (a *association) release() error {
	defer a.conn.Close()

	header := []byte{pdu.TypeReleaseRQ, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if _, err := a.conn.Write(header); err != nil {
		return dicomerr.NewNetworkError("write A-RELEASE-RQ", err)
	}

	_ = a.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	frame, err := pdu.ReadPDU(a.conn)
	if err != nil {
		return nil // peer already gone; nothing more to do
	}
	if frame.Type != pdu.TypeReleaseRP {
		return dicomerr.NewPDUError(frame.Type, "expected A-RELEASE-RP")
	}
	return nil
}

// abort closes the connection without a graceful release, for transport
// failures where the peer may no longer be responsive.
func (a *association) abort() error {
	return a.conn.Close()
}

// Echo opens a short-lived association proposing only the Verification SOP
// Class, sends one C-ECHO-RQ, and releases. Grounded on the teacher's
// client/echo.go, adapted to the same association plumbing SendCStore uses.
func Echo(ctx context.Context, cfg Config) error {
	proposals := []presentationProposal{
		{abstractSyntax: types.VerificationSOPClass, transferSyntaxes: []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}},
	}

	a, err := connect(ctx, cfg, proposals)
	if err != nil {
		return err
	}
	defer a.release()

	ctxItem, err := a.contextFor(types.VerificationSOPClass)
	if err != nil {
		return err
	}

	command := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           1,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  0x0101,
	}
	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return fmt.Errorf("encode C-ECHO-RQ: %w", err)
	}

	if err := dimse.SendDIMSEMessage(a.conn, ctxItem.id, a.maxPDULength, commandData, nil); err != nil {
		return fmt.Errorf("send C-ECHO-RQ: %w", err)
	}

	resp, _, err := dimse.ReceiveDIMSEMessage(a.conn)
	if err != nil {
		return fmt.Errorf("receive C-ECHO-RSP: %w", err)
	}
	if resp.Status != types.StatusSuccess {
		return dicomerr.NewDIMSEError("C-ECHO", resp.Status, "non-success status from peer")
	}
	return nil
}
