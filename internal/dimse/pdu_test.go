package dimse

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
)

// buildAssociateRequestPDU mirrors what a real DICOM SCU sends, the inverse
// of parseAssociateRequest, so tests can exercise the parser without a
// network peer.
func buildAssociateRequestPDU(calledAE, callingAE string, contexts []struct {
	id              byte
	abstractSyntax  string
	transferSyntaxes []string
}, maxPDU uint32) []byte {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAET(calledAE))
	copy(fixed[20:36], padAET(callingAE))

	body := append([]byte{}, variableItem(0x10, []byte(applicationContextUID))...)
	for _, c := range contexts {
		var sub []byte
		sub = append(sub, variableItem(0x30, []byte(c.abstractSyntax))...)
		for _, ts := range c.transferSyntaxes {
			sub = append(sub, variableItem(0x40, []byte(ts))...)
		}
		pcBody := append([]byte{c.id, 0x00, 0x00, 0x00}, sub...)
		body = append(body, itemHeader(0x20, len(pcBody))...)
		body = append(body, pcBody...)
	}
	maxPDUValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDUValue, maxPDU)
	maxPDUItem := append(itemHeader(0x51, 4), maxPDUValue...)
	body = append(body, itemHeader(0x50, len(maxPDUItem))...)
	body = append(body, maxPDUItem...)

	data := append(fixed, body...)
	out := make([]byte, 6)
	out[0] = typeAssociateRQ
	binary.BigEndian.PutUint32(out[2:6], uint32(len(data)))
	return append(out, data...)
}

func padAET(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	for i := len(s); i < 16; i++ {
		b[i] = ' '
	}
	return b
}

func TestParseAssociateRequest(t *testing.T) {
	raw := buildAssociateRequestPDU("MONAISCP", "SCANNER1", []struct {
		id              byte
		abstractSyntax  string
		transferSyntaxes []string
	}{
		{id: 1, abstractSyntax: "1.2.840.10008.5.1.4.1.1.2", transferSyntaxes: []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}},
	}, 16384)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() { client.Write(raw) }()

	p, err := readPDU(server)
	if err != nil {
		t.Fatalf("readPDU: %v", err)
	}
	if p.Type != typeAssociateRQ {
		t.Fatalf("PDU type = 0x%02x, want 0x%02x", p.Type, typeAssociateRQ)
	}
	req, err := parseAssociateRequest(p)
	if err != nil {
		t.Fatalf("parseAssociateRequest: %v", err)
	}
	if req.CalledAETitle != "MONAISCP" || req.CallingAETitle != "SCANNER1" {
		t.Fatalf("unexpected AE titles: called=%q calling=%q", req.CalledAETitle, req.CallingAETitle)
	}
	if req.MaxPDULength != 16384 {
		t.Fatalf("MaxPDULength = %d, want 16384", req.MaxPDULength)
	}
	if len(req.Contexts) != 1 {
		t.Fatalf("expected 1 presentation context, got %d", len(req.Contexts))
	}
	ctx := req.Contexts[0]
	if ctx.AbstractSyntax != "1.2.840.10008.5.1.4.1.1.2" {
		t.Fatalf("unexpected abstract syntax %q", ctx.AbstractSyntax)
	}
	if len(ctx.proposedTransferSyntaxes) != 2 {
		t.Fatalf("expected 2 proposed transfer syntaxes, got %d", len(ctx.proposedTransferSyntaxes))
	}
}

func TestParsePresentationContextItemMissingAbstractSyntax(t *testing.T) {
	_, err := parsePresentationContextItem([]byte{0x01, 0x00, 0x00, 0x00})
	if err == nil {
		t.Fatalf("expected error for missing abstract syntax")
	}
}

func TestWriteAssociateAcceptAndReject(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	contexts := []presentationContext{
		{ID: 1, Result: presentationResultAcceptance, AbstractSyntax: "1.2.840.10008.5.1.4.1.1.2", TransferSyntax: "1.2.840.10008.1.2.1"},
		{ID: 3, Result: presentationResultRejectAbstractSyntax, AbstractSyntax: "1.2.3.4"},
	}

	done := make(chan error, 1)
	go func() { done <- writeAssociateAccept(server, "SCANNER1", "MONAISCP", contexts, 16384) }()

	p, err := readPDU(client)
	if err != nil {
		t.Fatalf("readPDU: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("writeAssociateAccept: %v", err)
	}
	if p.Type != typeAssociateAC {
		t.Fatalf("PDU type = 0x%02x, want A-ASSOCIATE-AC", p.Type)
	}
	if len(p.Data) < 68 {
		t.Fatalf("A-ASSOCIATE-AC body too short: %d bytes", len(p.Data))
	}

	go func() { done <- writeAssociateReject(server, rejectReasonCalledAENotRecog) }()
	p, err = readPDU(client)
	if err != nil {
		t.Fatalf("readPDU (reject): %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("writeAssociateReject: %v", err)
	}
	if p.Type != typeAssociateRJ {
		t.Fatalf("PDU type = 0x%02x, want A-ASSOCIATE-RJ", p.Type)
	}
	if len(p.Data) != 4 || p.Data[3] != rejectReasonCalledAENotRecog {
		t.Fatalf("unexpected A-ASSOCIATE-RJ body: % x", p.Data)
	}
}

func TestSendPDataAndReadDIMSEMessageFragmentsAcrossPDUs(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	resp := &commandMessage{
		CommandField:              commandCStoreRSP,
		MessageIDBeingRespondedTo: 7,
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		CommandDataSetType:        0x0101,
		Status:                    0,
	}
	command := encodeCommand(resp)

	done := make(chan error, 1)
	go func() {
		// maxPDULength 20 leaves a 14-byte-per-fragment budget, smaller
		// than the encoded command, forcing sendPData to split it across
		// multiple P-DATA-TF PDUs.
		done <- sendPData(server, 1, 20, command, true)
	}()

	presContextID, got, dataset, err := readDIMSEMessage(client)
	if err != nil {
		t.Fatalf("readDIMSEMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("sendPData: %v", err)
	}
	if presContextID != 1 {
		t.Fatalf("presContextID = %d, want 1", presContextID)
	}
	if len(dataset) != 0 {
		t.Fatalf("expected no dataset for a CommandDataSetType of 0x0101, got %d bytes", len(dataset))
	}
	decoded, err := decodeCommand(got)
	if err != nil {
		t.Fatalf("decodeCommand: %v", err)
	}
	if decoded.CommandField != commandCStoreRSP || decoded.MessageIDBeingRespondedTo != 7 {
		t.Fatalf("unexpected round-tripped command: %+v", decoded)
	}
}

func TestReadDIMSEMessageReleaseRequestReturnsEOF(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() { writePDU(client, typeReleaseRQ, []byte{0, 0, 0, 0}) }()

	_, _, _, err := readDIMSEMessage(server)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF for A-RELEASE-RQ, got %v", err)
	}
}

func TestWritePDURoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() { writePDU(client, typeAbort, []byte{0x00, 0x00, 0x00, 0x00}) }()

	p, err := readPDU(server)
	if err != nil {
		t.Fatalf("readPDU: %v", err)
	}
	if p.Type != typeAbort {
		t.Fatalf("PDU type = 0x%02x, want A-ABORT", p.Type)
	}
}

func TestTruncate16(t *testing.T) {
	if got := truncate16("ABCDEFGHIJKLMNOPQRSTUVWXYZ"); got != "ABCDEFGHIJKLMNOP" {
		t.Fatalf("truncate16 over-long string = %q", got)
	}
	if got := truncate16("SHORT"); got != "SHORT" {
		t.Fatalf("truncate16 short string = %q", got)
	}
}
