package dicomio

import (
	"fmt"
	"os"

	"github.com/caio-sobreiro/dicomnet/dicom"
)

// Descriptor is the typed view of the tags the catalog writer reads.
// It is populated by a top-level element scan; no full tag tree is built.
type Descriptor struct {
	// Patient
	PatientID        string
	PatientName      string
	PatientBirthDate string
	PatientSex       string

	// Study
	StudyInstanceUID       string
	StudyDate              string
	StudyTime              string
	AccessionNumber        string
	StudyDescription       string
	ReferringPhysicianName string
	InstitutionName        string

	// Series
	SeriesInstanceUID string
	SeriesNumber      string
	SeriesDate        string
	SeriesTime        string
	SeriesDescription string
	Modality          string
	BodyPartExamined  string
	ProtocolName      string

	// Instance
	SOPClassUID       string
	SOPInstanceUID    string
	InstanceNumber    string
	ContentDate       string
	ContentTime       string
	TransferSyntaxUID string
}

var (
	tagPatientName            = dicom.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID              = dicom.Tag{Group: 0x0010, Element: 0x0020}
	tagPatientBirthDate       = dicom.Tag{Group: 0x0010, Element: 0x0030}
	tagPatientSex             = dicom.Tag{Group: 0x0010, Element: 0x0040}
	tagStudyInstanceUID       = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagStudyDate              = dicom.Tag{Group: 0x0008, Element: 0x0020}
	tagStudyTime              = dicom.Tag{Group: 0x0008, Element: 0x0030}
	tagAccessionNumber        = dicom.Tag{Group: 0x0008, Element: 0x0050}
	tagStudyDescription       = dicom.Tag{Group: 0x0008, Element: 0x1030}
	tagReferringPhysicianName = dicom.Tag{Group: 0x0008, Element: 0x0090}
	tagInstitutionName        = dicom.Tag{Group: 0x0008, Element: 0x0080}
	tagSeriesInstanceUID      = dicom.Tag{Group: 0x0020, Element: 0x000E}
	tagSeriesNumber           = dicom.Tag{Group: 0x0020, Element: 0x0011}
	tagSeriesDate             = dicom.Tag{Group: 0x0008, Element: 0x0021}
	tagSeriesTime             = dicom.Tag{Group: 0x0008, Element: 0x0031}
	tagSeriesDescription      = dicom.Tag{Group: 0x0008, Element: 0x103E}
	tagModality               = dicom.Tag{Group: 0x0008, Element: 0x0060}
	tagBodyPartExamined       = dicom.Tag{Group: 0x0018, Element: 0x0015}
	tagProtocolName           = dicom.Tag{Group: 0x0018, Element: 0x1030}
	tagSOPClassUID            = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID         = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagInstanceNumber         = dicom.Tag{Group: 0x0020, Element: 0x0013}
	tagContentDate            = dicom.Tag{Group: 0x0008, Element: 0x0023}
	tagContentTime            = dicom.Tag{Group: 0x0008, Element: 0x0033}
)

// ParseDescriptor extracts the descriptor tags from an encoded dataset
func ParseDescriptor(data []byte, transferSyntaxUID string) (*Descriptor, error) {
	ds, err := dicom.ParseDatasetWithTransferSyntax(data, transferSyntaxUID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	return descriptorFromDataset(ds, transferSyntaxUID), nil
}

func descriptorFromDataset(ds *dicom.Dataset, transferSyntaxUID string) *Descriptor {
	return &Descriptor{
		PatientID:        ds.GetString(tagPatientID),
		PatientName:      ds.GetString(tagPatientName),
		PatientBirthDate: ds.GetString(tagPatientBirthDate),
		PatientSex:       ds.GetString(tagPatientSex),

		StudyInstanceUID:       ds.GetString(tagStudyInstanceUID),
		StudyDate:              ds.GetString(tagStudyDate),
		StudyTime:              ds.GetString(tagStudyTime),
		AccessionNumber:        ds.GetString(tagAccessionNumber),
		StudyDescription:       ds.GetString(tagStudyDescription),
		ReferringPhysicianName: ds.GetString(tagReferringPhysicianName),
		InstitutionName:        ds.GetString(tagInstitutionName),

		SeriesInstanceUID: ds.GetString(tagSeriesInstanceUID),
		SeriesNumber:      ds.GetString(tagSeriesNumber),
		SeriesDate:        ds.GetString(tagSeriesDate),
		SeriesTime:        ds.GetString(tagSeriesTime),
		SeriesDescription: ds.GetString(tagSeriesDescription),
		Modality:          ds.GetString(tagModality),
		BodyPartExamined:  ds.GetString(tagBodyPartExamined),
		ProtocolName:      ds.GetString(tagProtocolName),

		SOPClassUID:       ds.GetString(tagSOPClassUID),
		SOPInstanceUID:    ds.GetString(tagSOPInstanceUID),
		InstanceNumber:    ds.GetString(tagInstanceNumber),
		ContentDate:       ds.GetString(tagContentDate),
		ContentTime:       ds.GetString(tagContentTime),
		TransferSyntaxUID: transferSyntaxUID,
	}
}

// ParseFileDescriptor reads a stored Part 10 file and extracts its
// descriptor using the transfer syntax recorded in the file meta group
func ParseFileDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	meta, dataset, err := SplitPart10(data)
	if err != nil {
		return nil, err
	}
	if meta.TransferSyntaxUID == "" {
		meta.TransferSyntaxUID = dicom.TransferSyntaxExplicitVRLittleEndian
	}

	desc, err := ParseDescriptor(dataset, meta.TransferSyntaxUID)
	if err != nil {
		return nil, err
	}

	// The meta group is authoritative for the instance identity
	if desc.SOPClassUID == "" {
		desc.SOPClassUID = meta.MediaStorageSOPClassUID
	}
	if desc.SOPInstanceUID == "" {
		desc.SOPInstanceUID = meta.MediaStorageSOPInstanceUID
	}

	return desc, nil
}
