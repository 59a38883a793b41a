package qidors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/caio-sobreiro/dicomstack/types"
)

// parseQuery reads the standard DICOM query keys plus limit/offset/
// fuzzymatching/includefield off r's URL parameters into a QueryRequest.
// Unknown keys are ignored per §6.
func parseQuery(r *http.Request, level types.QueryLevel) types.QueryRequest {
	q := r.URL.Query()

	query := types.QueryRequest{
		Level:              level,
		PatientID:          q.Get("PatientID"),
		PatientName:        q.Get("PatientName"),
		StudyDate:          q.Get("StudyDate"),
		Modality:           q.Get("Modality"),
		StudyInstanceUID:   q.Get("StudyInstanceUID"),
		SeriesInstanceUID:  q.Get("SeriesInstanceUID"),
		SOPInstanceUID:     q.Get("SOPInstanceUID"),
		AccessionNumber:    q.Get("AccessionNumber"),
		StudyDescription:   q.Get("StudyDescription"),
		ReferringPhysician: q.Get("ReferringPhysicianName"),
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			query.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			query.Offset = n
		}
	}
	if v := q.Get("fuzzymatching"); v != "" {
		query.FuzzyMatching, _ = strconv.ParseBool(v)
	}
	if v := q.Get("includefield"); v != "" {
		query.IncludeFields = strings.Split(v, ",")
	}

	return query
}

// paginate applies query's Offset/Limit window to n items, returning the
// [start,end) slice bounds. A zero Limit means "no limit".
func paginate(n int, query types.QueryRequest) (start, end int) {
	start = query.Offset
	if start > n {
		start = n
	}
	end = n
	if query.Limit > 0 && start+query.Limit < end {
		end = start + query.Limit
	}
	return start, end
}
