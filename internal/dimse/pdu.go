// Package dimse implements the DICOM upper-layer/DIMSE association server
// from spec.md section 4.1: accept or reject an incoming association per
// the calling/called AE admission policy, negotiate presentation contexts
// against the called Monai AE's SOP-class filters, and dispatch C-ECHO and
// C-STORE on the accepted contexts. Wire framing (PDU header, A-ASSOCIATE
// fixed fields and variable items, P-DATA-TF fragmentation) is adapted from
// caio-sobreiro-dicomnet's pdu.Layer, generalized so the abstract-syntax and
// transfer-syntax acceptance decision comes from the admission policy
// (pkg/model AE configuration) instead of a fixed package-level table.
package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
)

// PDU types, PS3.8 table 9-1.
const (
	typeAssociateRQ = 0x01
	typeAssociateAC = 0x02
	typeAssociateRJ = 0x03
	typePDataTF     = 0x04
	typeReleaseRQ   = 0x05
	typeReleaseRP   = 0x06
	typeAbort       = 0x07
)

const (
	presentationResultAcceptance           byte = 0x00
	presentationResultRejectAbstractSyntax byte = 0x03
	presentationResultRejectTransferSyntax byte = 0x04
)

// A-ASSOCIATE-RJ result/source/reason, PS3.8 table 9-21. writeAssociateReject
// sends the permanent result; Server.handleConnection sends result 0x02
// (transient) when the association limit is reached.
const (
	rejectResultPermanent = 0x01

	rejectSourceServiceUser = 0x01

	rejectReasonNoReasonGiven      = 0x01
	rejectReasonCallingAENotRecog  = 0x03
	rejectReasonCalledAENotRecog   = 0x07
)

type pdu struct {
	Type byte
	Data []byte
}

// presentationContext is one negotiated (or rejected) abstract/transfer
// syntax pairing on an association.
type presentationContext struct {
	ID                      byte
	Result                  byte
	AbstractSyntax          string
	TransferSyntax          string
	proposedTransferSyntaxes []string
}

// associateRequest is the parsed A-ASSOCIATE-RQ the admission policy acts on.
type associateRequest struct {
	CalledAETitle  string
	CallingAETitle string
	MaxPDULength   uint32
	Contexts       []presentationContext
}

func readPDU(conn net.Conn) (*pdu, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, fmt.Errorf("dimse: reading PDU body: %w", err)
	}
	return &pdu{Type: header[0], Data: data}, nil
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

// parseAssociateRequest decodes the fixed fields and variable items of an
// A-ASSOCIATE-RQ. It does not decide acceptance; the caller applies the
// admission policy to the result.
func parseAssociateRequest(p *pdu) (*associateRequest, error) {
	data := p.Data
	if len(data) < 68 {
		return nil, fmt.Errorf("dimse: A-ASSOCIATE-RQ too short (%d bytes)", len(data))
	}

	req := &associateRequest{
		CalledAETitle:  strings.TrimSpace(normalizeUID(data[4:20])),
		CallingAETitle: strings.TrimSpace(normalizeUID(data[20:36])),
		MaxPDULength:   16384,
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("dimse: association item exceeds PDU length")
		}
		item := data[valueStart:valueEnd]

		switch itemType {
		case 0x20: // Presentation Context
			ctx, err := parsePresentationContextItem(item)
			if err != nil {
				return nil, err
			}
			req.Contexts = append(req.Contexts, *ctx)
		case 0x50: // User Information
			if maxLen, err := parseMaxPDULength(item); err == nil && maxLen > 0 {
				req.MaxPDULength = maxLen
			}
		}
		offset = valueEnd
	}
	return req, nil
}

func parsePresentationContextItem(data []byte) (*presentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("dimse: presentation context item too short")
	}
	ctx := &presentationContext{ID: data[0]}
	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("dimse: presentation context %d sub-item exceeds length", ctx.ID)
		}
		value := data[valueStart:valueEnd]
		switch subType {
		case 0x30: // Abstract Syntax
			ctx.AbstractSyntax = normalizeUID(value)
		case 0x40: // Transfer Syntax; the admission policy picks among these
			ctx.proposedTransferSyntaxes = append(ctx.proposedTransferSyntaxes, normalizeUID(value))
		}
		offset = valueEnd
	}
	if ctx.AbstractSyntax == "" {
		return nil, fmt.Errorf("dimse: presentation context %d missing abstract syntax", ctx.ID)
	}
	return ctx, nil
}

func parseMaxPDULength(data []byte) (uint32, error) {
	if len(data) >= 4 {
		offset := 0
		for offset+4 <= len(data) {
			subType := data[offset]
			subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
			valueStart := offset + 4
			valueEnd := valueStart + int(subLength)
			if valueEnd > len(data) {
				break
			}
			if subType == 0x51 && subLength == 4 {
				return binary.BigEndian.Uint32(data[valueStart:valueEnd]), nil
			}
			offset = valueEnd
		}
	}
	return 0, fmt.Errorf("dimse: no max-pdu-length sub-item")
}

func writeAssociateAccept(conn net.Conn, called, calling string, contexts []presentationContext, maxPDULength uint32) error {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], fmt.Sprintf("%-16s", truncate16(called)))
	copy(fixed[20:36], fmt.Sprintf("%-16s", truncate16(calling)))

	appContext := variableItem(0x10, []byte(applicationContextUID))

	var presItems []byte
	for _, ctx := range contexts {
		var sub []byte
		if ctx.Result == presentationResultAcceptance {
			sub = variableItem(0x40, []byte(ctx.TransferSyntax))
		}
		body := append([]byte{ctx.ID, ctx.Result, 0x00, 0x00}, sub...)
		presItems = append(presItems, itemHeader(0x21, len(body))...)
		presItems = append(presItems, body...)
	}

	userInfo := associateAcceptUserInformation(maxPDULength)

	body := append(append([]byte{}, appContext...), presItems...)
	body = append(body, userInfo...)
	data := append(fixed, body...)

	return writePDU(conn, typeAssociateAC, data)
}

func associateAcceptUserInformation(maxPDULength uint32) []byte {
	maxPDUValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDUValue, maxPDULength)
	maxPDUItem := append(itemHeader(0x51, 4), maxPDUValue...)

	implClassItem := variableItem(0x52, []byte(implementationClassUID))
	implVersionItem := variableItem(0x55, []byte(implementationVersionName))

	userInfoData := append(append(maxPDUItem, implClassItem...), implVersionItem...)
	return append(itemHeader(0x50, len(userInfoData)), userInfoData...)
}

// writeAssociateReject sends a permanent A-ASSOCIATE-RJ with the given
// reason. The transient rejection for the association limit is written by
// Server.handleConnection instead.
func writeAssociateReject(conn net.Conn, reason byte) error {
	data := []byte{0x00, rejectResultPermanent, rejectSourceServiceUser, reason}
	return writePDU(conn, typeAssociateRJ, data)
}

func writeReleaseResponse(conn net.Conn) error {
	return writePDU(conn, typeReleaseRP, []byte{0x00, 0x00, 0x00, 0x00})
}

func writePDU(conn net.Conn, pduType byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

func itemHeader(itemType byte, length int) []byte {
	h := make([]byte, 4)
	h[0] = itemType
	binary.BigEndian.PutUint16(h[2:4], uint16(length))
	return h
}

func variableItem(itemType byte, value []byte) []byte {
	return append(itemHeader(itemType, len(value)), value...)
}

func truncate16(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

const (
	applicationContextUID     = "1.2.840.10008.3.1.1.1"
	implementationClassUID    = "2.25.77.213.1"
	implementationVersionName = "MONAIGW_1"
)

// sendPData fragments data across P-DATA-TF PDUs, splitting command and
// dataset into separate PDVs per PS3.8 section 9.3.1. isCommand selects the
// message-control-header command bit; the last fragment of each always sets
// the last-fragment bit since neither command nor dataset is ever streamed
// across multiple P-DATA-TF calls here.
func sendPData(conn net.Conn, presContextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	maxPDVData := int(maxPDULength) - 6
	if maxPDVData < 1 {
		maxPDVData = 16384 - 6
	}
	offset := 0
	for {
		chunk := data[offset:]
		last := true
		if len(chunk) > maxPDVData {
			chunk = chunk[:maxPDVData]
			last = false
		}
		header := byte(0)
		if isCommand {
			header |= 0x01
		}
		if last {
			header |= 0x02
		}
		pdv := append([]byte{presContextID, header}, chunk...)
		pdvLength := make([]byte, 4)
		binary.BigEndian.PutUint32(pdvLength, uint32(len(pdv)))
		body := append(pdvLength, pdv...)
		if err := writePDU(conn, typePDataTF, body); err != nil {
			return err
		}
		offset += len(chunk)
		if last {
			break
		}
	}
	return nil
}

// readDIMSEMessage reassembles one complete command (and optional dataset)
// from however many P-DATA-TF PDUs it took to send it.
func readDIMSEMessage(conn net.Conn) (presContextID byte, command []byte, dataset []byte, err error) {
	var commandDone, datasetDone, datasetExpected bool
	for !commandDone || (datasetExpected && !datasetDone) {
		p, rerr := readPDU(conn)
		if rerr != nil {
			return 0, nil, nil, rerr
		}
		switch p.Type {
		case typePDataTF:
			if len(p.Data) < 6 {
				return 0, nil, nil, fmt.Errorf("dimse: P-DATA-TF too short")
			}
			pdvLength := binary.BigEndian.Uint32(p.Data[0:4])
			if int(4+pdvLength) > len(p.Data) {
				return 0, nil, nil, fmt.Errorf("dimse: PDV length exceeds PDU")
			}
			pdv := p.Data[4 : 4+pdvLength]
			presContextID = pdv[0]
			ctrl := pdv[1]
			value := pdv[2:]
			isCommand := ctrl&0x01 != 0
			isLast := ctrl&0x02 != 0
			if isCommand {
				command = append(command, value...)
				if isLast {
					commandDone = true
					cmd, cerr := decodeCommand(command)
					if cerr != nil {
						return 0, nil, nil, cerr
					}
					datasetExpected = cmd.CommandDataSetType != 0x0101
				}
			} else {
				dataset = append(dataset, value...)
				if isLast {
					datasetDone = true
				}
			}
		case typeReleaseRQ:
			return 0, nil, nil, io.EOF
		case typeAbort:
			return 0, nil, nil, fmt.Errorf("dimse: received A-ABORT")
		default:
			return 0, nil, nil, fmt.Errorf("dimse: unexpected PDU type 0x%02x while reading DIMSE message", p.Type)
		}
	}
	return presContextID, command, dataset, nil
}
