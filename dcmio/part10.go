package dcmio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// wrapBareDataset prepends a minimal Part 10 preamble and file meta group
// (group 0x0002, carrying only Transfer Syntax UID) around a bare dataset so
// it can be handed to dicom.Parse, which only understands full files.
func wrapBareDataset(dataset []byte, transferSyntaxUID string) ([]byte, error) {
	if transferSyntaxUID == "" {
		return nil, fmt.Errorf("transfer syntax UID is required to wrap a bare dataset")
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, 128)) // preamble
	buf.WriteString("DICM")

	tsValue := transferSyntaxUID
	if len(tsValue)%2 == 1 {
		tsValue += "\x00"
	}

	var meta bytes.Buffer
	writeExplicitShortElement(&meta, 0x0002, 0x0010, "UI", []byte(tsValue))

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(meta.Len()))

	writeExplicitShortElement(&buf, 0x0002, 0x0000, "UL", groupLength)
	buf.Write(meta.Bytes())
	buf.Write(dataset)

	return buf.Bytes(), nil
}

func writeExplicitShortElement(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], group)
	binary.LittleEndian.PutUint16(header[2:4], element)
	copy(header[4:6], vr)
	binary.LittleEndian.PutUint16(header[6:8], uint16(len(value)))
	buf.Write(header)
	buf.Write(value)
}

// StripPart10Header removes the 128-byte preamble, "DICM" prefix, and file
// meta information (group 0x0002) from a Part 10 file, leaving just the
// dataset bytes suitable for a DIMSE P-DATA-TF payload.
func StripPart10Header(data []byte) ([]byte, error) {
	if len(data) < 132 {
		return nil, fmt.Errorf("data too short to be DICOM Part 10 (need at least 132 bytes, got %d)", len(data))
	}
	if string(data[128:132]) != "DICM" {
		return nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	offset := 132
	for offset+8 <= len(data) {
		group := uint16(data[offset]) | (uint16(data[offset+1]) << 8)
		element := uint16(data[offset+2]) | (uint16(data[offset+3]) << 8)
		if group != 0x0002 {
			break
		}

		vr := string(data[offset+4 : offset+6])
		var length uint32
		var valueOffset int

		if vr == "OB" || vr == "OW" || vr == "OF" || vr == "SQ" || vr == "UN" || vr == "UT" {
			offset += 8
			if offset+4 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8) |
				(uint32(data[offset+2]) << 16) | (uint32(data[offset+3]) << 24)
			offset += 4
			valueOffset = offset
		} else {
			offset += 6
			if offset+2 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8)
			offset += 2
			valueOffset = offset
		}

		_ = element
		offset += int(length)
		_ = valueOffset
		if offset > len(data) {
			break
		}
	}

	if offset >= len(data) {
		return nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}

	return data[offset:], nil
}

// HasPart10Header reports whether data begins with the 128-byte preamble
// followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < 132 {
		return false
	}
	return string(data[128:132]) == "DICM"
}

// TransferSyntaxFromPart10 extracts (0002,0010) from a Part 10 file's file
// meta information without parsing the full dataset.
func TransferSyntaxFromPart10(data []byte) (string, error) {
	if !HasPart10Header(data) {
		return "", fmt.Errorf("not a valid DICOM Part 10 file")
	}

	offset := 132
	for offset+8 <= len(data) {
		group := uint16(data[offset]) | (uint16(data[offset+1]) << 8)
		element := uint16(data[offset+2]) | (uint16(data[offset+3]) << 8)
		if group != 0x0002 {
			break
		}

		vr := string(data[offset+4 : offset+6])
		var length uint32
		var valueOffset int
		if vr == "OB" || vr == "OW" || vr == "OF" || vr == "SQ" || vr == "UN" || vr == "UT" {
			offset += 8
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8) |
				(uint32(data[offset+2]) << 16) | (uint32(data[offset+3]) << 24)
			offset += 4
			valueOffset = offset
		} else {
			offset += 6
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8)
			offset += 2
			valueOffset = offset
		}

		if element == 0x0010 && valueOffset+int(length) <= len(data) {
			return strings.TrimRight(string(data[valueOffset:valueOffset+int(length)]), "\x00 "), nil
		}

		offset += int(length)
	}

	return "", fmt.Errorf("transfer syntax UID not found in file meta information")
}
