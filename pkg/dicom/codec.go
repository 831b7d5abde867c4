package dicom

import (
	"bytes"
	"fmt"
)

// Codec decodes a DICOM byte stream into a Dataset and re-encodes a Dataset
// back to bytes. It is the seam spec.md section 1 calls out as an external
// collaborator ("the concrete DICOM codec library"): production deployments
// plug in a full VR/transfer-syntax-aware codec; DefaultCodec below is a
// dependency-free implementation sufficient for the identifiers the
// gateway's core actually inspects (study/series/instance/SOP-class UIDs),
// adapted from caio-sobreiro-dicomnet's part10/dataset element scanner.
type Codec interface {
	Decode(data []byte) (*Dataset, error)
	// Encode re-serializes a dataset that was previously decoded from raw,
	// splicing in any elements the plug-in chain mutated. The default
	// implementation only supports round-tripping an untouched raw blob.
	Encode(ds *Dataset, raw []byte) ([]byte, error)
}

// DefaultCodec skips the Part 10 preamble and "DICM" prefix when present and
// scans the rest as explicit-VR little-endian elements, short and long form,
// recording every element it can frame (file-meta and pixel data included)
// and stopping at the first element whose length runs past the end.
type DefaultCodec struct{}

// longFormVRs use a 2-byte reserved field plus a 4-byte length, per PS3.5
// table 7.1-1. Every other explicit VR uses a 2-byte length.
var longFormVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "SQ": true,
	"UN": true, "UT": true, "UC": true, "UR": true, "OD": true, "OL": true,
}

func (DefaultCodec) Decode(data []byte) (*Dataset, error) {
	ds := NewDataset()
	offset := 0
	if len(data) >= 132 && bytes.Equal(data[128:132], []byte("DICM")) {
		offset = 132
	}
	for offset+8 <= len(data) {
		group := uint16(data[offset]) | uint16(data[offset+1])<<8
		element := uint16(data[offset+2]) | uint16(data[offset+3])<<8
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int
		if longFormVRs[vr] {
			if offset+12 > len(data) {
				break
			}
			length = uint32(data[offset+8]) | uint32(data[offset+9])<<8 |
				uint32(data[offset+10])<<16 | uint32(data[offset+11])<<24
			valueOffset = offset + 12
		} else {
			length = uint32(data[offset+6]) | uint32(data[offset+7])<<8
			valueOffset = offset + 8
		}
		if valueOffset+int(length) > len(data) {
			break
		}
		value := string(data[valueOffset : valueOffset+int(length)])
		ds.Set(Tag{Group: group, Element: element}, vr, value)
		offset = valueOffset + int(length)
	}
	if len(ds.Elements) == 0 {
		return nil, fmt.Errorf("dicom: no recognizable elements decoded (%d bytes)", len(data))
	}
	return ds, nil
}

// Encode returns raw unchanged: DefaultCodec does not support mutating
// pixel-bearing data, only the lightweight identifier elements a plug-in
// might rewrite (e.g. de-identification of PatientName) are applied via
// higher-level metadata, not re-spliced into raw bytes here. A full codec
// implementation overrides this.
func (DefaultCodec) Encode(ds *Dataset, raw []byte) ([]byte, error) {
	return raw, nil
}
