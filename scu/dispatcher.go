package scu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/caio-sobreiro/dicomstack/dcmio"
	"github.com/caio-sobreiro/dicomstack/dimse"
	"github.com/caio-sobreiro/dicomstack/dicomerr"
	"github.com/caio-sobreiro/dicomstack/types"
)

// fileItem is one queued file plus the attributes its metadata scan
// produced, used both to build presentation context proposals and to
// label lifecycle events.
type fileItem struct {
	label string
	data  []byte

	sopClassUID       string
	sopInstanceUID    string
	transferSyntaxUID string
}

// scanMetadata determines a file's SOP Class UID, SOP Instance UID, and
// transfer syntax from its Part 10 file meta information, the small scan
// the spec's StoreSCU Dispatcher section uses to populate presentation
// context proposals.
func scanMetadata(data []byte) (fileItem, error) {
	if !dcmio.HasPart10Header(data) {
		return fileItem{}, errors.New("not a DICOM Part 10 file")
	}

	ts, err := dcmio.TransferSyntaxFromPart10(data)
	if err != nil {
		return fileItem{}, err
	}

	ds, err := dcmio.ParsePart10(data)
	if err != nil {
		return fileItem{}, err
	}

	item := fileItem{
		data:              data,
		sopClassUID:       ds.SOPClassUID(),
		sopInstanceUID:    ds.SOPInstanceUID(),
		transferSyntaxUID: ts,
	}
	if item.sopClassUID == "" {
		return fileItem{}, errors.New("missing SOP Class UID")
	}
	if item.sopInstanceUID == "" {
		return fileItem{}, errors.New("missing SOP Instance UID")
	}
	return item, nil
}

// Dispatcher queues files for transfer and sends them across up to
// Concurrency parallel associations. Grounded on the teacher's
// client/association.go + client/store.go, replacing
// OtchereDev-ris-dicom-connector/pkg/dimse/pool.go's mutex-guarded slice
// pool with a golang.org/x/sync/semaphore gating association slots.
type Dispatcher struct {
	cfg         Config
	concurrency int64
	sink        Sink

	mu    sync.Mutex
	queue []fileItem
}

// NewDispatcher builds a Dispatcher targeting cfg.Address, sending up to
// concurrency files' worth of work in parallel. concurrency below 1 is
// treated as 1.
func NewDispatcher(cfg Config, concurrency int, sink Sink) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{cfg: cfg, concurrency: int64(concurrency), sink: sink}
}

// AddFile reads path and enqueues it after a metadata scan.
func (d *Dispatcher) AddFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return d.AddFileFromMemory(path, data)
}

// AddFileFromMemory enqueues data (labeled for events) after a metadata
// scan, without touching the filesystem.
func (d *Dispatcher) AddFileFromMemory(label string, data []byte) error {
	item, err := scanMetadata(data)
	if err != nil {
		return fmt.Errorf("scan %s: %w", label, err)
	}
	item.label = label

	d.mu.Lock()
	d.queue = append(d.queue, item)
	d.mu.Unlock()
	return nil
}

// AddDirectory walks root and enqueues every regular file that passes the
// metadata scan, skipping and logging any that don't (e.g. DICOMDIR, non-
// DICOM siblings) rather than aborting the whole walk.
func (d *Dispatcher) AddDirectory(root string) error {
	return filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		if addErr := d.AddFile(path); addErr != nil {
			d.cfg.Logger.Warn().Err(addErr).Str("path", path).Msg("skipping file that failed the metadata scan")
		}
		return nil
	})
}

// Clean empties the queue, for retry composition by the embedder: failed
// files are re-added with AddFile/AddFileFromMemory after a Clean.
func (d *Dispatcher) Clean() {
	d.mu.Lock()
	d.queue = nil
	d.mu.Unlock()
}

// Run partitions the queue across Concurrency association drivers and
// blocks until every file has been attempted. It does not retry: failures
// are reported as FileError events for the embedder to re-submit.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	items := append([]fileItem(nil), d.queue...)
	d.mu.Unlock()

	start := time.Now()
	total := len(items)
	d.sink.Notify(Event{Kind: EventTransferStarted, Total: total})

	if total == 0 {
		d.sink.Notify(Event{Kind: EventTransferCompleted, Total: 0, Duration: time.Since(start)})
		return nil
	}

	proposals := buildProposals(items, d.cfg.TransferSyntaxOverride)

	work := make(chan fileItem)
	go func() {
		defer close(work)
		for _, item := range items {
			select {
			case work <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	var successful, failed int64
	sem := semaphore.NewWeighted(d.concurrency)
	var wg sync.WaitGroup

	for i := int64(0); i < d.concurrency; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			d.runAssociation(ctx, proposals, work, &successful, &failed)
		}()
	}

	wg.Wait()

	d.sink.Notify(Event{
		Kind:       EventTransferCompleted,
		Total:      total,
		Successful: int(atomic.LoadInt64(&successful)),
		Failed:     int(atomic.LoadInt64(&failed)),
		Duration:   time.Since(start),
	})
	return nil
}

// runAssociation is one association driver: it opens an association lazily
// on its first file, sends files sequentially as they arrive on work, and
// releases the association once work is drained. A transport-level failure
// discards the association so the next file opens a fresh one.
func (d *Dispatcher) runAssociation(ctx context.Context, proposals []presentationProposal, work <-chan fileItem, successful, failed *int64) {
	var assoc *association
	var messageID uint16

	defer func() {
		if assoc != nil {
			if err := assoc.release(); err != nil {
				d.cfg.Logger.Warn().Err(err).Msg("association release failed")
			}
		}
	}()

	for {
		var item fileItem
		var ok bool
		select {
		case item, ok = <-work:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		if assoc == nil {
			a, err := connect(ctx, d.cfg, proposals)
			if err != nil {
				atomic.AddInt64(failed, 1)
				d.sink.Notify(Event{Kind: EventFileError, File: item.label, SOPClassUID: item.sopClassUID, Err: err})
				continue
			}
			assoc = a
		}

		messageID++
		if err := d.sendFile(assoc, item, messageID); err != nil {
			atomic.AddInt64(failed, 1)
			if !isNonTransportFailure(err) {
				_ = assoc.abort()
				assoc = nil
			}
			continue
		}
		atomic.AddInt64(successful, 1)
	}
}

func (d *Dispatcher) sendFile(a *association, item fileItem, messageID uint16) error {
	d.sink.Notify(Event{Kind: EventFileSending, File: item.label, SOPClassUID: item.sopClassUID, SOPInstanceUID: item.sopInstanceUID})

	ctxItem, err := a.contextFor(item.sopClassUID)
	if err != nil {
		d.sink.Notify(Event{Kind: EventFileError, File: item.label, SOPClassUID: item.sopClassUID, Err: err})
		return err
	}

	payload, err := bareDataset(item, ctxItem.transferSyntax)
	if err != nil {
		d.sink.Notify(Event{Kind: EventFileError, File: item.label, SOPClassUID: item.sopClassUID, Err: err})
		return err
	}

	readTimeout := d.cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}
	_ = a.conn.SetDeadline(time.Now().Add(readTimeout))
	defer a.conn.SetDeadline(time.Time{})

	start := time.Now()
	resp, err := dimse.SendCStore(a.conn, ctxItem.id, a.maxPDULength, &dimse.CStoreRequest{
		SOPClassUID:    item.sopClassUID,
		SOPInstanceUID: item.sopInstanceUID,
		Data:           payload,
		MessageID:      messageID,
	})
	if err != nil {
		d.sink.Notify(Event{Kind: EventFileError, File: item.label, SOPClassUID: item.sopClassUID, Err: err})
		return err
	}

	if resp.Status != types.StatusSuccess {
		statusErr := dicomerr.NewDIMSEError("C-STORE", resp.Status, "non-success status from peer")
		d.sink.Notify(Event{Kind: EventFileError, File: item.label, SOPClassUID: item.sopClassUID, Err: statusErr})
		return statusErr
	}

	d.sink.Notify(Event{
		Kind:              EventFileSent,
		File:              item.label,
		SOPClassUID:       item.sopClassUID,
		SOPInstanceUID:    item.sopInstanceUID,
		TransferSyntaxUID: ctxItem.transferSyntax,
		Duration:          time.Since(start),
	})
	return nil
}

// bareDataset strips item's Part 10 framing for the wire. This dcmio
// wrapper never rewrites the file meta transfer syntax element (SetString
// rejects group 0x0002), so a negotiated transfer syntax that doesn't match
// the file's native encoding cannot be honored; it surfaces as a FileError
// rather than sending a mislabeled dataset.
func bareDataset(item fileItem, negotiatedTS string) ([]byte, error) {
	if negotiatedTS != item.transferSyntaxUID {
		return nil, fmt.Errorf("%w: negotiated %s, %s's native encoding is %s", dicomerr.ErrUnsupportedTransfer, negotiatedTS, item.label, item.transferSyntaxUID)
	}
	return dcmio.StripPart10Header(item.data)
}

// isNonTransportFailure reports whether err reflects a DIMSE-level or
// negotiation-level failure that leaves the association itself usable for
// the next file, as opposed to a transport failure that requires a fresh
// association.
func isNonTransportFailure(err error) bool {
	var dimseErr *dicomerr.DIMSEError
	return errors.Is(err, dicomerr.ErrNoPresentationCtx) ||
		errors.Is(err, dicomerr.ErrUnsupportedTransfer) ||
		errors.As(err, &dimseErr)
}

// buildProposals groups the queued files by SOP Class UID and collects the
// distinct transfer syntaxes seen for each, per the spec's "a small
// metadata scan ... populate[s] the presentation-context proposal." When
// override is set and was actually observed for an abstract syntax, it is
// moved to the front of that context's candidate list.
func buildProposals(items []fileItem, override string) []presentationProposal {
	syntaxSets := make(map[string]map[string]struct{})
	var order []string
	for _, item := range items {
		set, ok := syntaxSets[item.sopClassUID]
		if !ok {
			set = make(map[string]struct{})
			syntaxSets[item.sopClassUID] = set
			order = append(order, item.sopClassUID)
		}
		set[item.transferSyntaxUID] = struct{}{}
	}
	sort.Strings(order)

	proposals := make([]presentationProposal, 0, len(order))
	for _, abstractSyntax := range order {
		set := syntaxSets[abstractSyntax]
		syntaxes := make([]string, 0, len(set))
		for ts := range set {
			syntaxes = append(syntaxes, ts)
		}
		sort.Strings(syntaxes)

		if override != "" {
			if _, ok := set[override]; ok {
				syntaxes = moveToFront(syntaxes, override)
			}
		}

		proposals = append(proposals, presentationProposal{abstractSyntax: abstractSyntax, transferSyntaxes: syntaxes})
	}
	return proposals
}

func moveToFront(syntaxes []string, value string) []string {
	out := make([]string, 0, len(syntaxes))
	out = append(out, value)
	for _, ts := range syntaxes {
		if ts != value {
			out = append(out, ts)
		}
	}
	return out
}
