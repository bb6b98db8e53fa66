package dicomio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tsImplicitLE = "1.2.840.10008.1.2"

// buildImplicitDataset encodes elements in Implicit VR Little Endian
func buildImplicitDataset(elements []struct {
	group, element uint16
	value          string
}) []byte {
	var buf []byte
	for _, e := range elements {
		v := []byte(e.value)
		if len(v)%2 != 0 {
			v = append(v, 0x00)
		}
		buf = binary.LittleEndian.AppendUint16(buf, e.group)
		buf = binary.LittleEndian.AppendUint16(buf, e.element)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

func sampleDataset() []byte {
	return buildImplicitDataset([]struct {
		group, element uint16
		value          string
	}{
		{0x0008, 0x0016, ctImage},
		{0x0008, 0x0018, "1.2.3.4"},
		{0x0008, 0x0020, "20250109"},
		{0x0008, 0x0050, "ACC001"},
		{0x0008, 0x0060, "CT"},
		{0x0010, 0x0010, "DOE^JANE"},
		{0x0010, 0x0020, "PAT001"},
		{0x0020, 0x000D, "1.2.3"},
		{0x0020, 0x000E, "1.2.3.9"},
		{0x0020, 0x0013, "1"},
	})
}

func TestParseDescriptor(t *testing.T) {
	desc, err := ParseDescriptor(sampleDataset(), tsImplicitLE)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3", desc.StudyInstanceUID)
	assert.Equal(t, "1.2.3.9", desc.SeriesInstanceUID)
	assert.Equal(t, "1.2.3.4", desc.SOPInstanceUID)
	assert.Equal(t, ctImage, desc.SOPClassUID)
	assert.Equal(t, "CT", desc.Modality)
	assert.Equal(t, "PAT001", desc.PatientID)
	assert.Equal(t, "DOE^JANE", desc.PatientName)
	assert.Equal(t, "ACC001", desc.AccessionNumber)
	assert.Equal(t, "20250109", desc.StudyDate)
	assert.Equal(t, tsImplicitLE, desc.TransferSyntaxUID)
}

func TestParseFileDescriptor(t *testing.T) {
	root := t.TempDir()
	dataset := sampleDataset()
	file := BuildPart10(ctImage, "1.2.3.4", tsImplicitLE, dataset)

	path, err := WriteAtomic(root, "1.2.3", "1.2.3.4", file)
	require.NoError(t, err)

	desc, err := ParseFileDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", desc.StudyInstanceUID)
	assert.Equal(t, "1.2.3.4", desc.SOPInstanceUID)
	assert.Equal(t, tsImplicitLE, desc.TransferSyntaxUID)
}

func TestParseFileDescriptorGarbage(t *testing.T) {
	root := t.TempDir()
	path, err := WriteAtomic(root, "1.2.3", "1.2.3.4", []byte("garbage"))
	require.NoError(t, err)

	_, err = ParseFileDescriptor(path)
	assert.Error(t, err)
}
