package wadors

import (
	"context"
	"encoding/binary"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomstack/dcmio"
	"github.com/caio-sobreiro/dicomstack/storage"
)

// writeUIElement appends a short-form explicit-VR-little-endian UI element,
// the same encoding dcmio.wrapBareDataset uses for its file meta group.
func writeUIElement(buf []byte, group, element uint16, value string) []byte {
	if len(value)%2 == 1 {
		value += "\x00"
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], group)
	binary.LittleEndian.PutUint16(header[2:4], element)
	copy(header[4:6], "UI")
	binary.LittleEndian.PutUint16(header[6:8], uint16(len(value)))
	buf = append(buf, header...)
	buf = append(buf, []byte(value)...)
	return buf
}

// storeInstance builds a minimal bare dataset (SOPClassUID/SOPInstanceUID/
// StudyInstanceUID/SeriesInstanceUID only) and persists it under backend the
// same way scp/handler.go does: dcmio.Parse the bare bytes, then
// ds.EncodePart10 before storage.Backend.Put.
func storeInstance(t *testing.T, backend storage.Backend, studyUID, seriesUID, sopUID string) {
	t.Helper()
	const transferSyntax = "1.2.840.10008.1.2.1"

	var bare []byte
	bare = writeUIElement(bare, 0x0008, 0x0016, "1.2.840.10008.5.1.4.1.1.2")
	bare = writeUIElement(bare, 0x0008, 0x0018, sopUID)
	bare = writeUIElement(bare, 0x0020, 0x000D, studyUID)
	bare = writeUIElement(bare, 0x0020, 0x000E, seriesUID)

	ds, err := dcmio.Parse(bare, transferSyntax)
	require.NoError(t, err)

	part10, err := ds.EncodePart10()
	require.NoError(t, err)

	key := storageKey(studyUID, seriesUID, sopUID)
	require.NoError(t, backend.Put(context.Background(), key, part10))
}

func newTestBackend(t *testing.T) storage.Backend {
	t.Helper()
	backend, err := storage.NewFilesystemBackend(t.TempDir())
	require.NoError(t, err)
	return backend
}

// TestServeEntity_SeriesMultipartHasOnePartPerStoredInstanceNoDuplicates
// covers S5: 4 stored instances in one series, Accept: application/dicom
// yields a 4-part multipart/related body, each part a distinct SOPInstanceUID.
func TestServeEntity_SeriesMultipartHasOnePartPerStoredInstanceNoDuplicates(t *testing.T) {
	backend := newTestBackend(t)
	for i := 0; i < 4; i++ {
		storeInstance(t, backend, "1.study", "1.series", "1.instance."+string(rune('0'+i)))
	}

	rt := New(backend)
	req := httptest.NewRequest(http.MethodGet, "/studies/1.study/series/1.series", nil)
	req.Header.Set("Accept", "application/dicom")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	mediaType, params, err := mime.ParseMediaType(w.Header().Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/related", mediaType)
	require.Equal(t, "application/dicom", params["type"])

	mr := multipart.NewReader(w.Body, params["boundary"])
	seen := map[string]bool{}
	count := 0
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		count++
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		ds, err := dcmio.ParsePart10(data)
		require.NoError(t, err)
		sop := ds.SOPInstanceUID()
		require.False(t, seen[sop], "duplicate SOPInstanceUID in multipart body")
		seen[sop] = true
	}
	require.Equal(t, 4, count)
}

func TestServeEntity_UnknownStudyYields404(t *testing.T) {
	rt := New(newTestBackend(t))
	req := httptest.NewRequest(http.MethodGet, "/studies/missing", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleInstanceEntity_JSONAcceptReturnsMetadataArray(t *testing.T) {
	backend := newTestBackend(t)
	storeInstance(t, backend, "2.study", "2.series", "2.instance")

	rt := New(backend)
	req := httptest.NewRequest(http.MethodGet, "/studies/2.study/series/2.series/instances/2.instance", nil)
	req.Header.Set("Accept", "application/dicom+json")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/dicom+json", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "2.instance")
}

func TestHandleBulkdata_ReturnsRawElementBytes(t *testing.T) {
	backend := newTestBackend(t)
	storeInstance(t, backend, "3.study", "3.series", "3.instance")

	rt := New(backend, WithFeatureFlags(AllFeatures()))
	req := httptest.NewRequest(http.MethodGet, "/studies/3.study/series/3.series/instances/3.instance/bulkdata/0020000D", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	require.Equal(t, "3.study", w.Body.String())
}

func TestFeatureFlags_DisabledEndpointYields404(t *testing.T) {
	backend := newTestBackend(t)
	storeInstance(t, backend, "4.study", "4.series", "4.instance")

	rt := New(backend) // all optional groups disabled by default
	req := httptest.NewRequest(http.MethodGet, "/studies/4.study/series/4.series/instances/4.instance/metadata", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestParseFrameList(t *testing.T) {
	frames, err := parseFrameList("1,3-5,9")
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 4, 5, 9}, frames)

	_, err = parseFrameList("0")
	require.Error(t, err)

	_, err = parseFrameList("2-1")
	require.Error(t, err)

	_, err = parseFrameList("abc")
	require.Error(t, err)
}

func TestFramesToBytes(t *testing.T) {
	require.Equal(t, []byte{10, 20}, framesToBytes([]int{10, 20}, 8))

	out := framesToBytes([]int{0x0102, 0x0304}, 16)
	require.Equal(t, []byte{0x02, 0x01, 0x04, 0x03}, out)
}

func TestParseDims(t *testing.T) {
	vp := parseDims("256,256")
	require.NotNil(t, vp)
	require.Equal(t, 256, vp.Width)
	require.Equal(t, 256, vp.Height)

	require.Nil(t, parseDims(""))
	require.Nil(t, parseDims("not-a-dim"))
}

func TestParseWindow(t *testing.T) {
	center, width, ok := parseWindow("40,400")
	require.True(t, ok)
	require.Equal(t, 40.0, center)
	require.Equal(t, 400.0, width)

	_, _, ok = parseWindow("")
	require.False(t, ok)
}

func TestParseTagHex(t *testing.T) {
	tg, err := parseTagHex("0020000D")
	require.NoError(t, err)
	require.Equal(t, uint16(0x0020), tg.Group)
	require.Equal(t, uint16(0x000D), tg.Element)

	_, err = parseTagHex("bad")
	require.Error(t, err)
}
