package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomstack/types"
)

// InstanceRecord is the subset of an instance's attributes the tag
// extraction stage produces and a MetadataIndex persists, grouped the way
// scp's study aggregator rolls instances up into series and studies.
type InstanceRecord struct {
	PatientID          string
	PatientName        string
	StudyInstanceUID   string
	StudyDate          string
	StudyDescription   string
	AccessionNumber    string
	SeriesInstanceUID  string
	SeriesNumber       string
	Modality           string
	SOPInstanceUID     string
	SOPClassUID        string
	InstanceNumber     string
	StoragePath        string
	SizeBytes          int64
}

// MetadataIndex is the query/store surface QIDO-RS and the StoreSCP
// orchestrator share: instances are indexed as they land, and queried back
// at any of the four QIDO-RS levels.
type MetadataIndex interface {
	IndexInstance(ctx context.Context, rec InstanceRecord) error

	FindStudies(ctx context.Context, query types.QueryRequest) ([]types.Study, error)
	FindSeries(ctx context.Context, studyInstanceUID string, query types.QueryRequest) ([]types.Series, error)
	FindInstances(ctx context.Context, studyInstanceUID, seriesInstanceUID string, query types.QueryRequest) ([]types.Image, error)

	Instance(ctx context.Context, sopInstanceUID string) (*InstanceRecord, error)
}
