package dicomio

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Implementation identity written into generated file meta headers
const (
	ImplementationClassUID     = "1.2.826.0.1.3680043.10.1492.1"
	ImplementationVersionName  = "DICOMGW_1.0"
	fileMetaInformationVersion = "\x00\x01"
)

// FileMeta is the subset of the Part 10 file meta group the gateway reads
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
}

// BuildPart10 wraps an encoded dataset into a Part 10 file: 128 zero bytes,
// the DICM prefix, a generated file meta group (explicit VR little endian),
// then the dataset bytes verbatim. The dataset is never re-encoded; callers
// recover the exact input with DatasetOffset.
func BuildPart10(sopClassUID, sopInstanceUID, transferSyntaxUID string, dataset []byte) []byte {
	meta := encodeMetaGroup(sopClassUID, sopInstanceUID, transferSyntaxUID)

	out := make([]byte, 0, PreambleSize+4+len(meta)+len(dataset))
	out = append(out, make([]byte, PreambleSize)...)
	out = append(out, MagicPrefix...)
	out = append(out, meta...)
	out = append(out, dataset...)
	return out
}

func encodeMetaGroup(sopClassUID, sopInstanceUID, transferSyntaxUID string) []byte {
	var body []byte
	body = appendElement(body, 0x0002, 0x0001, "OB", []byte(fileMetaInformationVersion))
	body = appendElement(body, 0x0002, 0x0002, "UI", padUID(sopClassUID))
	body = appendElement(body, 0x0002, 0x0003, "UI", padUID(sopInstanceUID))
	body = appendElement(body, 0x0002, 0x0010, "UI", padUID(transferSyntaxUID))
	body = appendElement(body, 0x0002, 0x0012, "UI", padUID(ImplementationClassUID))
	body = appendElement(body, 0x0002, 0x0013, "SH", padText(ImplementationVersionName))

	// (0002,0000) group length counts every byte after its own value
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(len(body)))

	out := appendElement(nil, 0x0002, 0x0000, "UL", groupLen)
	return append(out, body...)
}

// appendElement encodes one explicit VR little endian data element
func appendElement(buf []byte, group, element uint16, vr string, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = append(buf, vr...)
	if longFormVR(vr) {
		buf = append(buf, 0x00, 0x00)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
	}
	return append(buf, value...)
}

func longFormVR(vr string) bool {
	switch vr {
	case "OB", "OW", "OF", "OD", "OL", "SQ", "UC", "UR", "UT", "UN":
		return true
	}
	return false
}

// padUID null-pads a UID to even length per the UI VR rules
func padUID(uid string) []byte {
	if len(uid)%2 != 0 {
		return []byte(uid + "\x00")
	}
	return []byte(uid)
}

// padText space-pads a text value to even length
func padText(s string) []byte {
	if len(s)%2 != 0 {
		return []byte(s + " ")
	}
	return []byte(s)
}

// DatasetOffset locates the start of the encoded dataset within a stored
// file by walking the file meta group, and returns the parsed FileMeta.
// For files without a preamble the offset is where the meta group ends;
// for bare datasets with no meta group at all, offset 0 and an empty
// FileMeta are returned.
func DatasetOffset(data []byte) (int, FileMeta, error) {
	var meta FileMeta

	pos := 0
	if hasPreamble, err := Verify(data); err != nil {
		return 0, meta, err
	} else if hasPreamble {
		pos = PreambleSize + 4
	}

	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos : pos+2])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(data[pos+2 : pos+4])
		vr := string(data[pos+4 : pos+6])

		var valueLen, headerLen int
		if longFormVR(vr) {
			if pos+12 > len(data) {
				return 0, meta, fmt.Errorf("truncated file meta element (%04X,%04X)", group, element)
			}
			valueLen = int(binary.LittleEndian.Uint32(data[pos+8 : pos+12]))
			headerLen = 12
		} else {
			valueLen = int(binary.LittleEndian.Uint16(data[pos+6 : pos+8]))
			headerLen = 8
		}

		valueStart := pos + headerLen
		valueEnd := valueStart + valueLen
		if valueEnd > len(data) {
			return 0, meta, fmt.Errorf("truncated file meta element (%04X,%04X)", group, element)
		}

		value := data[valueStart:valueEnd]
		switch element {
		case 0x0002:
			meta.MediaStorageSOPClassUID = trimUID(value)
		case 0x0003:
			meta.MediaStorageSOPInstanceUID = trimUID(value)
		case 0x0010:
			meta.TransferSyntaxUID = trimUID(value)
		}

		pos = valueEnd
	}

	return pos, meta, nil
}

// SplitPart10 returns the file meta and the verbatim dataset bytes of a
// stored file. The returned slice aliases data.
func SplitPart10(data []byte) (FileMeta, []byte, error) {
	offset, meta, err := DatasetOffset(data)
	if err != nil {
		return meta, nil, err
	}
	return meta, data[offset:], nil
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
