package dimse

import "testing"

func TestEncodeDecodeCommandRoundTrip(t *testing.T) {
	msg := &commandMessage{
		CommandField:              commandCStoreRQ,
		MessageID:                 42,
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.1.4", // odd length, exercises padEven
		AffectedSOPInstanceUID:    "1.2.3.4.5.6",
		CommandDataSetType:        0x0001,
		Priority:                  0x0002,
	}

	encoded := encodeCommand(msg)
	decoded, err := decodeCommand(encoded)
	if err != nil {
		t.Fatalf("decodeCommand: %v", err)
	}

	if decoded.CommandField != commandCStoreRQ {
		t.Fatalf("CommandField = 0x%04x, want 0x%04x", decoded.CommandField, commandCStoreRQ)
	}
	if decoded.MessageID != 42 {
		t.Fatalf("MessageID = %d, want 42", decoded.MessageID)
	}
	if decoded.AffectedSOPClassUID != msg.AffectedSOPClassUID {
		t.Fatalf("AffectedSOPClassUID = %q, want %q", decoded.AffectedSOPClassUID, msg.AffectedSOPClassUID)
	}
	if decoded.AffectedSOPInstanceUID != msg.AffectedSOPInstanceUID {
		t.Fatalf("AffectedSOPInstanceUID = %q, want %q", decoded.AffectedSOPInstanceUID, msg.AffectedSOPInstanceUID)
	}
	if decoded.CommandDataSetType != 0x0001 {
		t.Fatalf("CommandDataSetType = 0x%04x, want 0x0001", decoded.CommandDataSetType)
	}
	if decoded.Priority != 0x0002 {
		t.Fatalf("Priority = 0x%04x, want 0x0002", decoded.Priority)
	}
}

func TestEncodeCommandGroupLengthMatchesBody(t *testing.T) {
	msg := &commandMessage{CommandField: commandCEchoRQ, MessageID: 1, CommandDataSetType: 0x0101}
	encoded := encodeCommand(msg)

	groupLength := uint32(encoded[8]) | uint32(encoded[9])<<8 | uint32(encoded[10])<<16 | uint32(encoded[11])<<24
	if int(groupLength) != len(encoded)-12 {
		t.Fatalf("group length = %d, want %d (body after the group-length element)", groupLength, len(encoded)-12)
	}
}

func TestPadEven(t *testing.T) {
	if got := padEven([]byte("odd"), 0x00); len(got) != 4 {
		t.Fatalf("padEven(\"odd\") length = %d, want 4", len(got))
	}
	if got := padEven([]byte("even"), 0x00); len(got) != 4 {
		t.Fatalf("padEven(\"even\") length = %d, want 4 (unchanged)", len(got))
	}
}

func TestNormalizeUIDTrimsPaddingAndSpaces(t *testing.T) {
	if got := normalizeUID([]byte("1.2.3\x00\x00")); got != "1.2.3" {
		t.Fatalf("normalizeUID with null padding = %q, want %q", got, "1.2.3")
	}
	if got := normalizeUID([]byte("1.2.3 ")); got != "1.2.3" {
		t.Fatalf("normalizeUID with space padding = %q, want %q", got, "1.2.3")
	}
}
