package dimse

import "net"

// handleEcho answers a C-ECHO-RQ with an unconditional success status, the
// DICOM "ping" spec.md section 4.1 requires the SCP to support on the
// Verification presentation context.
func (s *Server) handleEcho(conn net.Conn, presContextID byte, msg *commandMessage, maxPDULength uint32) {
	resp := &commandMessage{
		CommandField:              commandCEchoRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		CommandDataSetType:        0x0101,
		Status:                    0x0000,
	}
	if err := sendPData(conn, presContextID, maxPDULength, encodeCommand(resp), true); err != nil {
		s.log.Warn().Err(err).Msg("sending C-ECHO-RSP")
	}
}
