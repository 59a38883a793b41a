package scu

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomstack/dicomerr"
	"github.com/caio-sobreiro/dicomstack/dimse"
	"github.com/caio-sobreiro/dicomstack/pdu"
	"github.com/caio-sobreiro/dicomstack/types"
)

func TestConfig_SetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	require.Equal(t, uint32(16384), cfg.MaxPDULength)
	require.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	require.Equal(t, 60*time.Second, cfg.ReadTimeout)
	require.Equal(t, 60*time.Second, cfg.WriteTimeout)
}

func TestConfig_SetDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := Config{MaxPDULength: 4096, ConnectTimeout: time.Second}
	cfg.setDefaults()
	require.Equal(t, uint32(4096), cfg.MaxPDULength)
	require.Equal(t, time.Second, cfg.ConnectTimeout)
}

func TestPadAE(t *testing.T) {
	padded := padAE("SCU")
	require.Len(t, padded, 16)
	require.Equal(t, "SCU             ", string(padded))
}

func TestPadAE_TruncatesNothingWhenExactlySixteen(t *testing.T) {
	padded := padAE("1234567890123456")
	require.Len(t, padded, 16)
	require.Equal(t, "1234567890123456", string(padded))
}

func TestAppendItem(t *testing.T) {
	buf := appendItem(nil, 0x30, []byte("1.2.3"))
	require.Equal(t, byte(0x30), buf[0])
	require.Equal(t, byte(0x00), buf[1])
	length := binary.BigEndian.Uint16(buf[2:4])
	require.Equal(t, uint16(5), length)
	require.Equal(t, "1.2.3", string(buf[4:]))
}

// buildAssociateACBody builds the fixed fields plus one presentation context
// result item, in the layout negotiate's receiveAssociateAC expects: PS3.8
// ctx-id, reserved, result, reserved, then a transfer syntax sub-item.
func buildAssociateACBody(contextID, result byte, transferSyntax string) []byte {
	buf := make([]byte, 68) // fixed fields mirror A-ASSOCIATE-RQ's

	item := []byte{contextID, 0x00, result, 0x00}
	item = appendItem(item, 0x40, []byte(transferSyntax))

	buf = append(buf, 0x21, 0x00, 0x00, 0x00)
	binary.BigEndian.PutUint16(buf[len(buf)-2:], uint16(len(item)))
	buf = append(buf, item...)
	return buf
}

func writePDU(t *testing.T, conn net.Conn, pduType byte, body []byte) {
	t.Helper()
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))
	_, err := conn.Write(header)
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)
}

func TestNegotiate_AcceptsPresentationContext(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	proposals := []presentationProposal{
		{abstractSyntax: "1.2.840.10008.5.1.4.1.1.7", transferSyntaxes: []string{"1.2.840.10008.1.2.1"}},
	}

	done := make(chan error, 1)
	go func() {
		_, err := pdu.ReadPDU(peerConn) // drain the A-ASSOCIATE-RQ
		if err != nil {
			done <- err
			return
		}
		writePDU(t, peerConn, pdu.TypeAssociateAC, buildAssociateACBody(1, 0x00, "1.2.840.10008.1.2.1"))
		done <- nil
	}()

	a, err := negotiate(clientConn, Config{CallingAETitle: "SCU", CalledAETitle: "SCP"}, proposals)
	require.NoError(t, err)
	require.NoError(t, <-done)

	ctx, err := a.contextFor("1.2.840.10008.5.1.4.1.1.7")
	require.NoError(t, err)
	require.True(t, ctx.accepted)
	require.Equal(t, "1.2.840.10008.1.2.1", ctx.transferSyntax)
}

func TestNegotiate_RejectedContextIsNotUsable(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	proposals := []presentationProposal{
		{abstractSyntax: "1.2.840.10008.5.1.4.1.1.7", transferSyntaxes: []string{"1.2.840.10008.1.2.1"}},
	}

	go func() {
		_, _ = pdu.ReadPDU(peerConn)
		writePDU(t, peerConn, pdu.TypeAssociateAC, buildAssociateACBody(1, 0x03, ""))
	}()

	a, err := negotiate(clientConn, Config{}, proposals)
	require.NoError(t, err)

	_, err = a.contextFor("1.2.840.10008.5.1.4.1.1.7")
	require.ErrorIs(t, err, dicomerr.ErrNoPresentationCtx)
}

func TestNegotiate_AssociationRejected(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	go func() {
		_, _ = pdu.ReadPDU(peerConn)
		writePDU(t, peerConn, pdu.TypeAssociateRJ, []byte{0x00, 0x00, byte(dicomerr.RejectSourceServiceProvider), 0x01})
	}()

	_, err := negotiate(clientConn, Config{}, nil)
	require.Error(t, err)
	var assocErr *dicomerr.AssociationError
	require.ErrorAs(t, err, &assocErr)
}

func TestAssociation_Release(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	a := &association{conn: clientConn}

	go func() {
		_, _ = pdu.ReadPDU(peerConn) // A-RELEASE-RQ
		writePDU(t, peerConn, pdu.TypeReleaseRP, []byte{0x00, 0x00, 0x00, 0x00})
	}()

	require.NoError(t, a.release())
}

func TestAssociation_ContextFor_NoMatch(t *testing.T) {
	a := &association{contexts: map[byte]*negotiatedContext{
		1: {id: 1, abstractSyntax: "1.2.3", accepted: false},
	}}
	_, err := a.contextFor("1.2.3")
	require.ErrorIs(t, err, dicomerr.ErrNoPresentationCtx)

	_, err = a.contextFor("9.9.9")
	require.ErrorIs(t, err, dicomerr.ErrNoPresentationCtx)
}

func TestEcho_SuccessfulRoundTrip(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		_, _ = pdu.ReadPDU(conn) // A-ASSOCIATE-RQ
		writePDU(t, conn, pdu.TypeAssociateAC, buildAssociateACBody(1, 0x00, "1.2.840.10008.1.2.1"))

		msg, _, err := dimse.ReceiveDIMSEMessage(conn)
		if err != nil || msg.CommandField != types.CEchoRQ {
			return
		}
		resp, _ := dimse.EncodeCommand(&types.Message{
			CommandField:              types.CEchoRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			Status:                    types.StatusSuccess,
			CommandDataSetType:        0x0101,
		})
		_ = dimse.SendDIMSEMessage(conn, 1, 16384, resp, nil)

		_, _ = pdu.ReadPDU(conn) // A-RELEASE-RQ
		writePDU(t, conn, pdu.TypeReleaseRP, []byte{0x00, 0x00, 0x00, 0x00})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = Echo(ctx, Config{Address: listener.Addr().String()})
	require.NoError(t, err)
}
