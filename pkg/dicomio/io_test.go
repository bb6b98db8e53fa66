package dicomio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidUID(t *testing.T) {
	assert.True(t, ValidUID("1.2.840.10008.5.1.4.1.1.2"))
	assert.True(t, ValidUID("1"))

	assert.False(t, ValidUID(""))
	assert.False(t, ValidUID("1.2.3/..-evil"))
	assert.False(t, ValidUID("../etc/passwd"))
	assert.False(t, ValidUID("1.2.3 "))
	assert.False(t, ValidUID(string(make([]byte, 65))))
}

func TestInstancePath(t *testing.T) {
	path, err := InstancePath("/data", "1.2.3", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "1.2.3", "1.2.3.4.dcm"), path)

	_, err = InstancePath("/data", "bad/uid", "1.2.3.4")
	assert.Error(t, err)
	_, err = InstancePath("/data", "1.2.3", "")
	assert.Error(t, err)
}

func TestWriteAtomic(t *testing.T) {
	root := t.TempDir()
	data := []byte("payload bytes")

	path, err := WriteAtomic(root, "1.2.3", "1.2.3.4", data)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "1.2.3", "1.2.3.4.dcm"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), dirInfo.Mode().Perm())

	// No stage leftovers
	entries, err := os.ReadDir(filepath.Join(root, IncomingDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteAtomicOverwrite(t *testing.T) {
	root := t.TempDir()

	_, err := WriteAtomic(root, "1.2.3", "1.2.3.4", []byte("first"))
	require.NoError(t, err)
	path, err := WriteAtomic(root, "1.2.3", "1.2.3.4", []byte("second"))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestVerify(t *testing.T) {
	withPreamble := BuildPart10("1.2.840.10008.5.1.4.1.1.2", "1.2.3.4", "1.2.840.10008.1.2.1", []byte{0x08, 0x00})
	has, err := Verify(withPreamble)
	require.NoError(t, err)
	assert.True(t, has)

	// Bare meta group, no preamble
	bare := withPreamble[PreambleSize+4:]
	has, err = Verify(bare)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = Verify([]byte("not dicom at all"))
	assert.Error(t, err)
}

func TestListStudyFiles(t *testing.T) {
	root := t.TempDir()
	_, err := WriteAtomic(root, "1.2.3", "1.2.3.4", []byte("a"))
	require.NoError(t, err)
	_, err = WriteAtomic(root, "1.2.3", "1.2.3.5", []byte("b"))
	require.NoError(t, err)
	// Non-dcm files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(root, "1.2.3", "notes.txt"), []byte("x"), 0o640))

	files, err := ListStudyFiles(root, "1.2.3")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Contains(t, files, filepath.Join(root, "1.2.3", "1.2.3.4.dcm"))
	assert.Contains(t, files, filepath.Join(root, "1.2.3", "1.2.3.5.dcm"))
}
