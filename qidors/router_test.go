package qidors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomstack/types"
)

func twoStudiesForPatient12345(ctx context.Context, query types.QueryRequest) ([]types.Study, error) {
	if query.PatientID != "12345" {
		return []types.Study{}, nil
	}
	return []types.Study{
		{InstanceUID: "1.1", PatientID: "12345"},
		{InstanceUID: "1.2", PatientID: "12345"},
	}, nil
}

func TestHandleStudies_FiltersByPatientID(t *testing.T) {
	rt := New(WithSearchForStudies(twoStudiesForPatient12345))

	req := httptest.NewRequest(http.MethodGet, "/studies?PatientID=12345", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/dicom+json", w.Header().Get("Content-Type"))

	var results []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
}

func TestHandleStudies_EmptyResultIsEmptyArrayNotNull(t *testing.T) {
	rt := New(WithSearchForStudies(twoStudiesForPatient12345))

	req := httptest.NewRequest(http.MethodGet, "/studies?PatientID=67890", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())
}

func TestHandleStudies_HandlerErrorYields500(t *testing.T) {
	rt := New(WithSearchForStudies(func(ctx context.Context, query types.QueryRequest) ([]types.Study, error) {
		return nil, errors.New("index unavailable")
	}))

	req := httptest.NewRequest(http.MethodGet, "/studies", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleStudies_NoHandlerConfiguredYields500(t *testing.T) {
	rt := New()

	req := httptest.NewRequest(http.MethodGet, "/studies", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleSeries_PathParamScoped(t *testing.T) {
	var gotStudyUID string
	rt := New(WithSearchForSeries(func(ctx context.Context, studyUID string, query types.QueryRequest) ([]types.Series, error) {
		gotStudyUID = studyUID
		return []types.Series{{InstanceUID: "2.1"}}, nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/studies/1.2.3/series", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "1.2.3", gotStudyUID)
}

func TestHandleSeriesInstances_PathParamsScoped(t *testing.T) {
	var gotStudy, gotSeries string
	rt := New(WithSearchForSeriesInstances(func(ctx context.Context, studyUID, seriesUID string, query types.QueryRequest) ([]types.Image, error) {
		gotStudy, gotSeries = studyUID, seriesUID
		return []types.Image{{SOPInstanceUID: "3.1"}}, nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/studies/1.2.3/series/4.5.6/instances", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "1.2.3", gotStudy)
	require.Equal(t, "4.5.6", gotSeries)
}

func TestParseQuery_ParsesLimitOffsetAndFuzzy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/studies?limit=10&offset=5&fuzzymatching=true&includefield=PatientName,Modality", nil)
	q := parseQuery(req, types.QueryLevelStudy)

	require.Equal(t, 10, q.Limit)
	require.Equal(t, 5, q.Offset)
	require.True(t, q.FuzzyMatching)
	require.Equal(t, []string{"PatientName", "Modality"}, q.IncludeFields)
}

func TestPaginate(t *testing.T) {
	lo, hi := paginate(10, types.QueryRequest{Offset: 2, Limit: 3})
	require.Equal(t, 2, lo)
	require.Equal(t, 5, hi)

	lo, hi = paginate(10, types.QueryRequest{})
	require.Equal(t, 0, lo)
	require.Equal(t, 10, hi)

	lo, hi = paginate(3, types.QueryRequest{Offset: 10})
	require.Equal(t, 3, lo)
	require.Equal(t, 3, hi)
}

func TestBuildStudy_OmitsEmptyOptionalFields(t *testing.T) {
	doc := buildStudy(types.Study{InstanceUID: "1.2.3"})
	require.Contains(t, doc, "0020000D")
	require.NotContains(t, doc, "00080020")
	require.NotContains(t, doc, "00100010")
}
