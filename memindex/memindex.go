// Package memindex is an in-memory interfaces.MetadataIndex: instances are
// indexed as the StoreSCP orchestrator accepts them and rolled up into the
// Study -> Series -> Instance hierarchy QIDO-RS queries against (patient
// attributes are carried on each study; there is no separate patient level).
// Modeled on OtchereDev-ris-dicom-connector/internal/cache's mutex-guarded
// map, the simplest concurrency-safe shape the pack demonstrates for shared
// read-mostly state touched from many connection goroutines at once.
package memindex

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/caio-sobreiro/dicomstack/interfaces"
	"github.com/caio-sobreiro/dicomstack/types"
)

// Index is a concurrency-safe, process-local interfaces.MetadataIndex. The
// zero value is not usable; construct one with New.
type Index struct {
	mu        sync.RWMutex
	instances map[string]interfaces.InstanceRecord // keyed by SOPInstanceUID
}

// New returns an empty Index.
func New() *Index {
	return &Index{instances: make(map[string]interfaces.InstanceRecord)}
}

// IndexInstance records or replaces rec, keyed by its SOPInstanceUID, same
// last-write-wins semantics as scp.Aggregator's instance replacement.
func (idx *Index) IndexInstance(ctx context.Context, rec interfaces.InstanceRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.instances[rec.SOPInstanceUID] = rec
	return nil
}

// Instance returns the record indexed under sopInstanceUID, or nil if none
// has been indexed.
func (idx *Index) Instance(ctx context.Context, sopInstanceUID string) (*interfaces.InstanceRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rec, ok := idx.instances[sopInstanceUID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// FindStudies returns one types.Study per distinct StudyInstanceUID whose
// instances match query, each populated with its Series/Image children.
func (idx *Index) FindStudies(ctx context.Context, query types.QueryRequest) ([]types.Study, error) {
	idx.mu.RLock()
	matches := idx.matchLocked(query)
	idx.mu.RUnlock()

	return buildStudies(matches), nil
}

// FindSeries returns one types.Series per distinct SeriesInstanceUID within
// studyInstanceUID whose instances match query.
func (idx *Index) FindSeries(ctx context.Context, studyInstanceUID string, query types.QueryRequest) ([]types.Series, error) {
	query.StudyInstanceUID = studyInstanceUID

	idx.mu.RLock()
	matches := idx.matchLocked(query)
	idx.mu.RUnlock()

	studies := buildStudies(matches)
	for _, s := range studies {
		if s.InstanceUID == studyInstanceUID {
			return s.Series, nil
		}
	}
	return nil, nil
}

// FindInstances returns one types.Image per matching instance within the
// named study and series.
func (idx *Index) FindInstances(ctx context.Context, studyInstanceUID, seriesInstanceUID string, query types.QueryRequest) ([]types.Image, error) {
	query.StudyInstanceUID = studyInstanceUID
	query.SeriesInstanceUID = seriesInstanceUID

	idx.mu.RLock()
	matches := idx.matchLocked(query)
	idx.mu.RUnlock()

	var images []types.Image
	for _, rec := range matches {
		if rec.SeriesInstanceUID != seriesInstanceUID {
			continue
		}
		images = append(images, types.Image{SOPInstanceUID: rec.SOPInstanceUID, InstanceNumber: rec.InstanceNumber, SeriesInstanceUID: rec.SeriesInstanceUID})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].SOPInstanceUID < images[j].SOPInstanceUID })
	return images, nil
}

// matchLocked filters the index against query's non-empty fields. Caller
// must hold mu. PatientName/StudyDescription match as case-insensitive
// substrings (DICOM "fuzzy" matching semantics for these free-text fields);
// UID fields, PatientID, StudyDate, Modality and AccessionNumber match
// exactly.
func (idx *Index) matchLocked(query types.QueryRequest) []interfaces.InstanceRecord {
	var out []interfaces.InstanceRecord
	for _, rec := range idx.instances {
		if query.StudyInstanceUID != "" && rec.StudyInstanceUID != query.StudyInstanceUID {
			continue
		}
		if query.SeriesInstanceUID != "" && rec.SeriesInstanceUID != query.SeriesInstanceUID {
			continue
		}
		if query.SOPInstanceUID != "" && rec.SOPInstanceUID != query.SOPInstanceUID {
			continue
		}
		if query.PatientID != "" && rec.PatientID != query.PatientID {
			continue
		}
		if query.StudyDate != "" && rec.StudyDate != query.StudyDate {
			continue
		}
		if query.Modality != "" && rec.Modality != query.Modality {
			continue
		}
		if query.AccessionNumber != "" && rec.AccessionNumber != query.AccessionNumber {
			continue
		}
		if query.PatientName != "" && !containsFold(rec.PatientName, query.PatientName) {
			continue
		}
		if query.StudyDescription != "" && !containsFold(rec.StudyDescription, query.StudyDescription) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// buildStudies groups a flat set of matching instance records into the
// Study -> Series -> Image hierarchy, sorted by UID for stable output.
func buildStudies(matches []interfaces.InstanceRecord) []types.Study {
	studyIdx := make(map[string]int)
	seriesIdx := make(map[string]map[string]int)
	var studies []types.Study

	for _, rec := range matches {
		si, ok := studyIdx[rec.StudyInstanceUID]
		if !ok {
			studies = append(studies, types.Study{
				InstanceUID:  rec.StudyInstanceUID,
				Date:         rec.StudyDate,
				Description:  rec.StudyDescription,
				AccessionNum: rec.AccessionNumber,
				PatientID:    rec.PatientID,
				PatientName:  rec.PatientName,
			})
			si = len(studies) - 1
			studyIdx[rec.StudyInstanceUID] = si
			seriesIdx[rec.StudyInstanceUID] = make(map[string]int)
		}

		seIdx, ok := seriesIdx[rec.StudyInstanceUID][rec.SeriesInstanceUID]
		if !ok {
			studies[si].Series = append(studies[si].Series, types.Series{
				InstanceUID: rec.SeriesInstanceUID,
				Number:      rec.SeriesNumber,
				Modality:    rec.Modality,
			})
			seIdx = len(studies[si].Series) - 1
			seriesIdx[rec.StudyInstanceUID][rec.SeriesInstanceUID] = seIdx
		}

		studies[si].Series[seIdx].Images = append(studies[si].Series[seIdx].Images, types.Image{
			SOPInstanceUID:    rec.SOPInstanceUID,
			InstanceNumber:    rec.InstanceNumber,
			SeriesInstanceUID: rec.SeriesInstanceUID,
		})
	}

	sort.Slice(studies, func(i, j int) bool { return studies[i].InstanceUID < studies[j].InstanceUID })
	for i := range studies {
		sort.Slice(studies[i].Series, func(a, b int) bool { return studies[i].Series[a].InstanceUID < studies[i].Series[b].InstanceUID })
		for j := range studies[i].Series {
			sort.Slice(studies[i].Series[j].Images, func(a, b int) bool {
				return studies[i].Series[j].Images[a].SOPInstanceUID < studies[i].Series[j].Images[b].SOPInstanceUID
			})
		}
	}

	return studies
}

var _ interfaces.MetadataIndex = (*Index)(nil)
