package dicomio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// PreambleSize is the fixed DICOM file preamble length
	PreambleSize = 128
	// MagicPrefix follows the preamble in a Part 10 file
	MagicPrefix = "DICM"

	dirMode  = 0o750
	fileMode = 0o640

	// IncomingDir is the temporary stage under the storage root, kept on
	// the same device so rename is atomic
	IncomingDir = "incoming"
)

// ValidUID reports whether s is usable as a path component and plausible
// as a DICOM UID (digits and dots, at most 64 characters)
func ValidUID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}

// InstancePath returns the permanent location of one stored object:
// {root}/{study_instance_uid}/{sop_instance_uid}.dcm
func InstancePath(root, studyUID, sopInstanceUID string) (string, error) {
	if !ValidUID(studyUID) {
		return "", fmt.Errorf("invalid study instance UID %q", studyUID)
	}
	if !ValidUID(sopInstanceUID) {
		return "", fmt.Errorf("invalid SOP instance UID %q", sopInstanceUID)
	}
	return filepath.Join(root, studyUID, sopInstanceUID+".dcm"), nil
}

// StudyDir returns the directory holding all instances of a study
func StudyDir(root, studyUID string) (string, error) {
	if !ValidUID(studyUID) {
		return "", fmt.Errorf("invalid study instance UID %q", studyUID)
	}
	return filepath.Join(root, studyUID), nil
}

// WriteAtomic durably writes data to the instance path for
// (studyUID, sopInstanceUID) under root. The bytes are staged in
// {root}/incoming, fsynced, then renamed into place; a failed rename
// removes the stage file. Readers never observe a partial file.
func WriteAtomic(root, studyUID, sopInstanceUID string, data []byte) (string, error) {
	finalPath, err := InstancePath(root, studyUID, sopInstanceUID)
	if err != nil {
		return "", err
	}

	stageDir := filepath.Join(root, IncomingDir)
	if err := os.MkdirAll(stageDir, dirMode); err != nil {
		return "", fmt.Errorf("failed to create stage dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), dirMode); err != nil {
		return "", fmt.Errorf("failed to create study dir: %w", err)
	}

	tmp, err := os.CreateTemp(stageDir, sopInstanceUID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create stage file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}

	if err := tmp.Chmod(fileMode); err != nil {
		return cleanup(fmt.Errorf("failed to set file mode: %w", err))
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("failed to write stage file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("failed to sync stage file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close stage file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename into place: %w", err)
	}

	// Make the rename durable
	if dir, err := os.Open(filepath.Dir(finalPath)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	return finalPath, nil
}

// Verify checks the basic structure of a stored file and reports whether
// it carries the 128-byte preamble. A file is valid when it either starts
// with preamble+DICM or begins directly with a file meta group element.
func Verify(data []byte) (hasPreamble bool, err error) {
	if len(data) >= PreambleSize+4 && string(data[PreambleSize:PreambleSize+4]) == MagicPrefix {
		return true, nil
	}
	// Bare dataset starting at the file meta group (0002,xxxx)
	if len(data) >= 4 && data[0] == 0x02 && data[1] == 0x00 {
		return false, nil
	}
	return false, fmt.Errorf("not a DICOM file: missing %s prefix", MagicPrefix)
}

// VerifyFile reads just enough of path to run Verify
func VerifyFile(path string) (hasPreamble bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	head := make([]byte, PreambleSize+4)
	n, err := f.Read(head)
	if err != nil {
		return false, fmt.Errorf("failed to read file header: %w", err)
	}
	return Verify(head[:n])
}

// ListStudyFiles returns the sorted .dcm paths under the study directory
func ListStudyFiles(root, studyUID string) ([]string, error) {
	dir, err := StudyDir(root, studyUID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read study dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".dcm") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}
