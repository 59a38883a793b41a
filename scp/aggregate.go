package scp

import (
	"context"
	"time"
)

// InstanceStored is the message workers send to the Aggregator after an
// instance has been persisted. Tag maps are pre-split by scope so the
// aggregator never has to know how to classify a tag name.
type InstanceStored struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	StudyTags         map[string]string
	SeriesTags        map[string]string
	InstanceTags      map[string]string
}

type timerExpired struct {
	studyUID string
	gen      int
}

type studyState struct {
	projection StudyProjection
	seriesIdx  map[string]int
	instances  map[string]bool // seriesUID+"\x00"+sopUID seen, for last-write-wins replace
	gen        int
	timer      *time.Timer
}

// Aggregator rolls InstanceStored messages up into Study -> Series ->
// Instance hierarchies and emits StudyCompleted once a study goes idle for
// studyTimeout. It runs as a single actor goroutine fed by a channel — no
// shared map, no mutex — per the spec's "not a lock-protected map"
// requirement for the Study Aggregator.
type Aggregator struct {
	studyTimeout time.Duration
	sink         Sink

	instanceCh chan InstanceStored
	expiredCh  chan timerExpired
}

// NewAggregator returns an Aggregator that emits StudyCompleted studyTimeout
// after the last instance for a study, delivering events through sink.
func NewAggregator(studyTimeout time.Duration, sink Sink) *Aggregator {
	return &Aggregator{
		studyTimeout: studyTimeout,
		sink:         sink,
		instanceCh:   make(chan InstanceStored, 64),
		expiredCh:    make(chan timerExpired, 64),
	}
}

// Notify enqueues rec for processing by the actor loop. Safe to call from
// any worker goroutine.
func (a *Aggregator) Notify(rec InstanceStored) {
	a.instanceCh <- rec
}

// Run drives the actor loop until ctx is cancelled. All study state is
// local to this goroutine.
func (a *Aggregator) Run(ctx context.Context) {
	studies := make(map[string]*studyState)

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-a.instanceCh:
			a.applyInstance(studies, rec)
		case exp := <-a.expiredCh:
			a.applyExpiry(studies, exp)
		}
	}
}

func (a *Aggregator) applyInstance(studies map[string]*studyState, rec InstanceStored) {
	st, ok := studies[rec.StudyInstanceUID]
	if !ok {
		st = &studyState{
			projection: StudyProjection{StudyInstanceUID: rec.StudyInstanceUID, Tags: rec.StudyTags},
			seriesIdx:  make(map[string]int),
			instances:  make(map[string]bool),
		}
		studies[rec.StudyInstanceUID] = st
	} else if st.projection.Tags == nil {
		st.projection.Tags = rec.StudyTags
	}

	idx, ok := st.seriesIdx[rec.SeriesInstanceUID]
	if !ok {
		st.projection.Series = append(st.projection.Series, SeriesProjection{
			SeriesInstanceUID: rec.SeriesInstanceUID,
			Tags:              rec.SeriesTags,
		})
		idx = len(st.projection.Series) - 1
		st.seriesIdx[rec.SeriesInstanceUID] = idx
	}

	instKey := rec.SeriesInstanceUID + "\x00" + rec.SOPInstanceUID
	instProj := InstanceProjection{SOPInstanceUID: rec.SOPInstanceUID, Tags: rec.InstanceTags}
	if st.instances[instKey] {
		// last-write-wins: replace the existing entry for this instance UID
		series := st.projection.Series[idx]
		for i, existing := range series.Instances {
			if existing.SOPInstanceUID == rec.SOPInstanceUID {
				series.Instances[i] = instProj
				st.projection.Series[idx] = series
				break
			}
		}
	} else {
		st.instances[instKey] = true
		st.projection.Series[idx].Instances = append(st.projection.Series[idx].Instances, instProj)
	}

	a.rearmTimer(st, rec.StudyInstanceUID)
}

func (a *Aggregator) rearmTimer(st *studyState, studyUID string) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(a.studyTimeout, func() {
		a.expiredCh <- timerExpired{studyUID: studyUID, gen: gen}
	})
}

func (a *Aggregator) applyExpiry(studies map[string]*studyState, exp timerExpired) {
	st, ok := studies[exp.studyUID]
	if !ok || st.gen != exp.gen {
		// superseded by a later instance's rearm, or already completed
		return
	}

	st.projection.CompletedAt = time.Now()
	a.sink.Notify(Event{Kind: EventStudyCompleted, Study: &st.projection})
	delete(studies, exp.studyUID)
}
