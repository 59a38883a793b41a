// Package tags extracts the handful of attributes a stored instance is
// indexed and queried by, and classifies DICOM tags into the QIDO-RS
// level (patient/study/series/instance) they belong to.
package tags

import (
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/dicomstack/dcmio"
	"github.com/caio-sobreiro/dicomstack/interfaces"
)

// Scope is the aggregation level a tag's value rolls up to.
type Scope string

const (
	ScopePatient  Scope = "PATIENT"
	ScopeStudy    Scope = "STUDY"
	ScopeSeries   Scope = "SERIES"
	ScopeInstance Scope = "INSTANCE"
)

// scopeTable maps the attributes this stack cares about to the level they
// belong to, mirroring the enumerated-table style of types/sopclass.go.
var scopeTable = map[string]Scope{
	"PatientID":         ScopePatient,
	"PatientName":       ScopePatient,
	"StudyInstanceUID":  ScopeStudy,
	"StudyDate":         ScopeStudy,
	"StudyDescription":  ScopeStudy,
	"AccessionNumber":   ScopeStudy,
	"SeriesInstanceUID": ScopeSeries,
	"SeriesNumber":      ScopeSeries,
	"SeriesDescription": ScopeSeries,
	"Modality":          ScopeSeries,
	"SOPInstanceUID":    ScopeInstance,
	"SOPClassUID":       ScopeInstance,
	"InstanceNumber":    ScopeInstance,
}

// tagByName resolves a selection name to its (group,element), used to apply
// pre-store hook tag updates back onto the dataset.
var tagByName = map[string]tag.Tag{
	"PatientID":         tag.PatientID,
	"PatientName":       tag.PatientName,
	"StudyInstanceUID":  tag.StudyInstanceUID,
	"StudyDate":         tag.StudyDate,
	"StudyDescription":  tag.StudyDescription,
	"AccessionNumber":   tag.AccessionNumber,
	"SeriesInstanceUID": tag.SeriesInstanceUID,
	"SeriesNumber":      tag.SeriesNumber,
	"SeriesDescription": tag.SeriesDescription,
	"Modality":          tag.Modality,
	"SOPInstanceUID":    tag.SOPInstanceUID,
	"SOPClassUID":       tag.SOPClassUID,
	"InstanceNumber":    tag.InstanceNumber,
}

// TagFor resolves a selection name to its (group,element) pair.
func TagFor(name string) (tag.Tag, bool) {
	t, ok := tagByName[name]
	return t, ok
}

// ScopeOf reports the aggregation level a known attribute name rolls up to.
// The bool is false for attribute names this stack does not classify.
func ScopeOf(attribute string) (Scope, bool) {
	s, ok := scopeTable[attribute]
	return s, ok
}

// accessors resolves a selection name to the Dataset method that reads it.
// Only the names scopeTable classifies are resolvable; an unresolvable name
// in a selection list is silently skipped, same as an absent element.
var accessors = map[string]func(*dcmio.Dataset) string{
	"PatientID":         (*dcmio.Dataset).PatientID,
	"PatientName":       (*dcmio.Dataset).PatientName,
	"StudyInstanceUID":  (*dcmio.Dataset).StudyInstanceUID,
	"StudyDate":         (*dcmio.Dataset).StudyDate,
	"StudyDescription":  (*dcmio.Dataset).StudyDescription,
	"AccessionNumber":   (*dcmio.Dataset).AccessionNumber,
	"SeriesInstanceUID": (*dcmio.Dataset).SeriesInstanceUID,
	"SeriesNumber":      (*dcmio.Dataset).SeriesNumber,
	"SeriesDescription": (*dcmio.Dataset).SeriesDescription,
	"Modality":          (*dcmio.Dataset).Modality,
	"SOPInstanceUID":    (*dcmio.Dataset).SOPInstanceUID,
	"SOPClassUID":       (*dcmio.Dataset).SOPClassUID,
	"InstanceNumber":    (*dcmio.Dataset).InstanceNumber,
}

// ExtractSelected reads a caller-supplied tag selection from ds into a flat
// name->value map. An element that resolves but is absent from the dataset
// produces no key, distinguishing "absent" from "present but empty".
func ExtractSelected(ds *dcmio.Dataset, names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		fn, ok := accessors[name]
		if !ok {
			continue
		}
		if v := fn(ds); v != "" {
			out[name] = v
		}
	}
	return out
}

// SplitByScope partitions a flat tag map into the four hierarchy levels
// StudyCompleted's projection distributes tags across.
func SplitByScope(values map[string]string) (patient, study, series, instance map[string]string) {
	patient = make(map[string]string)
	study = make(map[string]string)
	series = make(map[string]string)
	instance = make(map[string]string)

	for name, v := range values {
		scope, ok := ScopeOf(name)
		if !ok {
			continue
		}
		switch scope {
		case ScopePatient:
			patient[name] = v
		case ScopeStudy:
			study[name] = v
		case ScopeSeries:
			series[name] = v
		case ScopeInstance:
			instance[name] = v
		}
	}
	return patient, study, series, instance
}

// Extract builds an InstanceRecord from a parsed dataset plus the path and
// size it was stored under. storagePath/sizeBytes are supplied by the
// storage backend rather than read from the dataset itself.
func Extract(ds *dcmio.Dataset, storagePath string, sizeBytes int64) interfaces.InstanceRecord {
	return interfaces.InstanceRecord{
		PatientID:         ds.PatientID(),
		PatientName:       ds.PatientName(),
		StudyInstanceUID:  ds.StudyInstanceUID(),
		StudyDate:         ds.StudyDate(),
		StudyDescription:  ds.StudyDescription(),
		AccessionNumber:   ds.AccessionNumber(),
		SeriesInstanceUID: ds.SeriesInstanceUID(),
		SeriesNumber:      ds.SeriesNumber(),
		Modality:          ds.Modality(),
		SOPInstanceUID:    ds.SOPInstanceUID(),
		SOPClassUID:       ds.SOPClassUID(),
		InstanceNumber:    ds.InstanceNumber(),
		StoragePath:       storagePath,
		SizeBytes:         sizeBytes,
	}
}
