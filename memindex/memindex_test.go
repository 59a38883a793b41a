package memindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomstack/interfaces"
	"github.com/caio-sobreiro/dicomstack/types"
)

func seedRecord(studyUID, seriesUID, sopUID, patientID string) interfaces.InstanceRecord {
	return interfaces.InstanceRecord{
		PatientID:         patientID,
		PatientName:       "Doe^Jane",
		StudyInstanceUID:  studyUID,
		StudyDate:         "20260101",
		SeriesInstanceUID: seriesUID,
		Modality:          "CT",
		SOPInstanceUID:    sopUID,
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		InstanceNumber:    "1",
	}
}

func TestFindStudies_FiltersByPatientID(t *testing.T) {
	idx := New()
	ctx := context.Background()
	require.NoError(t, idx.IndexInstance(ctx, seedRecord("S1", "SE1", "I1", "12345")))
	require.NoError(t, idx.IndexInstance(ctx, seedRecord("S2", "SE2", "I2", "67890")))

	studies, err := idx.FindStudies(ctx, types.QueryRequest{PatientID: "12345"})
	require.NoError(t, err)
	require.Len(t, studies, 1)
	require.Equal(t, "S1", studies[0].InstanceUID)

	studies, err = idx.FindStudies(ctx, types.QueryRequest{PatientID: "does-not-exist"})
	require.NoError(t, err)
	require.Empty(t, studies)
}

func TestFindStudies_GroupsMultipleInstancesIntoOneSeries(t *testing.T) {
	idx := New()
	ctx := context.Background()
	require.NoError(t, idx.IndexInstance(ctx, seedRecord("S1", "SE1", "I1", "12345")))
	require.NoError(t, idx.IndexInstance(ctx, seedRecord("S1", "SE1", "I2", "12345")))

	studies, err := idx.FindStudies(ctx, types.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, studies, 1)
	require.Len(t, studies[0].Series, 1)
	require.Len(t, studies[0].Series[0].Images, 2)
}

func TestIndexInstance_LastWriteWinsPerSOPInstance(t *testing.T) {
	idx := New()
	ctx := context.Background()
	rec := seedRecord("S1", "SE1", "I1", "12345")
	require.NoError(t, idx.IndexInstance(ctx, rec))

	rec.PatientID = "99999"
	require.NoError(t, idx.IndexInstance(ctx, rec))

	got, err := idx.Instance(ctx, "I1")
	require.NoError(t, err)
	require.Equal(t, "99999", got.PatientID)
}

func TestInstance_AbsentReturnsNilNotError(t *testing.T) {
	idx := New()
	got, err := idx.Instance(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFindSeries_ScopedToStudy(t *testing.T) {
	idx := New()
	ctx := context.Background()
	require.NoError(t, idx.IndexInstance(ctx, seedRecord("S1", "SE1", "I1", "12345")))
	require.NoError(t, idx.IndexInstance(ctx, seedRecord("S2", "SE2", "I2", "12345")))

	series, err := idx.FindSeries(ctx, "S1", types.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Equal(t, "SE1", series[0].InstanceUID)
}

func TestFindInstances_ScopedToStudyAndSeries(t *testing.T) {
	idx := New()
	ctx := context.Background()
	require.NoError(t, idx.IndexInstance(ctx, seedRecord("S1", "SE1", "I1", "12345")))
	require.NoError(t, idx.IndexInstance(ctx, seedRecord("S1", "SE2", "I2", "12345")))

	instances, err := idx.FindInstances(ctx, "S1", "SE1", types.QueryRequest{})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "I1", instances[0].SOPInstanceUID)
}

func TestFindStudies_PatientNameMatchesCaseInsensitiveSubstring(t *testing.T) {
	idx := New()
	ctx := context.Background()
	require.NoError(t, idx.IndexInstance(ctx, seedRecord("S1", "SE1", "I1", "12345")))

	studies, err := idx.FindStudies(ctx, types.QueryRequest{PatientName: "doe"})
	require.NoError(t, err)
	require.Len(t, studies, 1)

	studies, err = idx.FindStudies(ctx, types.QueryRequest{PatientName: "smith"})
	require.NoError(t, err)
	require.Empty(t, studies)
}
