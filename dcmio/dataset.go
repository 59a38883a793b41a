// Package dcmio is the dataset capability the rest of the stack treats as
// opaque: parsing and encoding DICOM element trees, and extracting the
// handful of attributes (SOP Class/Instance UID, transfer syntax, pixel
// data location) the DIMSE and DICOMweb layers need. It is a thin adapter
// over github.com/suyashkumar/dicom rather than a hand-rolled parser.
package dcmio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/dicomstack/dicomerr"
)

// Dataset wraps a parsed DICOM element tree. The zero value is not usable;
// construct one with Parse.
type Dataset struct {
	inner dicom.Dataset
}

// Raw returns the underlying suyashkumar/dicom dataset for callers that need
// direct element access beyond the accessors below.
func (d *Dataset) Raw() dicom.Dataset { return d.inner }

// Parse decodes a bare DIMSE dataset (no Part 10 preamble or file meta — the
// transfer syntax is whatever was negotiated on the presentation context,
// not self-described) into a Dataset.
//
// The underlying library is built around Part 10 files, so a synthetic
// minimal file meta header carrying transferSyntaxUID is prepended before
// handing the bytes to dicom.Parse.
func Parse(data []byte, transferSyntaxUID string) (*Dataset, error) {
	if len(data) == 0 {
		return &Dataset{}, nil
	}

	wrapped, err := wrapBareDataset(data, transferSyntaxUID)
	if err != nil {
		return nil, dicomerr.NewCodecError(transferSyntaxUID, err)
	}

	ds, err := dicom.Parse(bytes.NewReader(wrapped), int64(len(wrapped)), nil)
	if err != nil {
		return nil, dicomerr.NewCodecError(transferSyntaxUID, fmt.Errorf("parse dataset: %w", err))
	}

	return &Dataset{inner: ds}, nil
}

// ParsePart10 decodes a full Part 10 file (preamble + file meta + dataset),
// the format instances arrive in from storage or a WADO-RS retrieve.
func ParsePart10(data []byte) (*Dataset, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, dicomerr.NewCodecError("", fmt.Errorf("parse part10: %w", err))
	}
	return &Dataset{inner: ds}, nil
}

// Encode serializes the dataset back to bare DIMSE dataset bytes (no Part 10
// framing) using transferSyntaxUID. The library only writes full Part 10
// files, so the encoder writes a complete file and then strips the preamble
// and file meta information with StripPart10Header.
func (d *Dataset) Encode(transferSyntaxUID string) ([]byte, error) {
	if d == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, d.inner); err != nil {
		return nil, dicomerr.NewCodecError(transferSyntaxUID, fmt.Errorf("encode dataset: %w", err))
	}

	stripped, err := StripPart10Header(buf.Bytes())
	if err != nil {
		return nil, dicomerr.NewCodecError(transferSyntaxUID, err)
	}
	return stripped, nil
}

// EncodePart10 serializes the dataset to a complete Part 10 file, the form
// persisted to storage.Backend and served over WADO-RS.
func (d *Dataset) EncodePart10() ([]byte, error) {
	var buf bytes.Buffer
	if err := dicom.Write(&buf, d.inner); err != nil {
		return nil, dicomerr.NewCodecError("", fmt.Errorf("encode part10: %w", err))
	}
	return buf.Bytes(), nil
}

func findString(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return ""
	}
	strs, ok := elem.Value.GetValue().([]string)
	if !ok || len(strs) == 0 {
		return ""
	}
	return strs[0]
}

// SOPClassUID returns (0008,0016).
func (d *Dataset) SOPClassUID() string { return findString(d.inner, tag.SOPClassUID) }

// SOPInstanceUID returns (0008,0018).
func (d *Dataset) SOPInstanceUID() string { return findString(d.inner, tag.SOPInstanceUID) }

// StudyInstanceUID returns (0020,000D).
func (d *Dataset) StudyInstanceUID() string { return findString(d.inner, tag.StudyInstanceUID) }

// SeriesInstanceUID returns (0020,000E).
func (d *Dataset) SeriesInstanceUID() string { return findString(d.inner, tag.SeriesInstanceUID) }

// TransferSyntaxUID returns (0002,0010) when present (only populated on
// datasets parsed from/encoded as full Part 10 files).
func (d *Dataset) TransferSyntaxUID() string { return findString(d.inner, tag.TransferSyntaxUID) }

// PatientID returns (0010,0020).
func (d *Dataset) PatientID() string { return findString(d.inner, tag.PatientID) }

// PatientName returns (0010,0010).
func (d *Dataset) PatientName() string { return findString(d.inner, tag.PatientName) }

// StudyDate returns (0008,0020).
func (d *Dataset) StudyDate() string { return findString(d.inner, tag.StudyDate) }

// StudyDescription returns (0008,1030).
func (d *Dataset) StudyDescription() string { return findString(d.inner, tag.StudyDescription) }

// AccessionNumber returns (0008,0050).
func (d *Dataset) AccessionNumber() string { return findString(d.inner, tag.AccessionNumber) }

// SeriesNumber returns (0020,0011).
func (d *Dataset) SeriesNumber() string { return findString(d.inner, tag.SeriesNumber) }

// Modality returns (0008,0060).
func (d *Dataset) Modality() string { return findString(d.inner, tag.Modality) }

// InstanceNumber returns (0020,0013).
func (d *Dataset) InstanceNumber() string { return findString(d.inner, tag.InstanceNumber) }

// SeriesDescription returns (0008,103E).
func (d *Dataset) SeriesDescription() string { return findString(d.inner, tag.SeriesDescription) }

func findInt(ds dicom.Dataset, t tag.Tag) (int, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return 0, false
	}
	ints, ok := elem.Value.GetValue().([]int)
	if !ok || len(ints) == 0 {
		return 0, false
	}
	return ints[0], true
}

func findFloat(ds dicom.Dataset, t tag.Tag) (float64, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return 0, false
	}
	switch v := elem.Value.GetValue().(type) {
	case []float64:
		if len(v) == 0 {
			return 0, false
		}
		return v[0], true
	case []string:
		if len(v) == 0 {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v[0]), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// PixelInfo is the geometry and scaling metadata (0028,xxxx) needed to
// interpret (7FE0,0010) without decoding it.
type PixelInfo struct {
	Rows                      int
	Columns                   int
	BitsAllocated             int
	BitsStored                int
	HighBit                   int
	PixelRepresentation       int
	SamplesPerPixel           int
	NumberOfFrames            int
	PhotometricInterpretation string
	RescaleSlope              float64
	RescaleIntercept          float64
	HasRescale                bool
	WindowCenter              float64
	WindowWidth               float64
	HasWindow                 bool
}

// PixelInfo reads (0028,0010)/(0028,0011)/etc. Fields absent from the
// dataset are left at their zero value; HasRescale/HasWindow distinguish a
// present-but-zero value from absent.
func (d *Dataset) PixelInfo() PixelInfo {
	info := PixelInfo{SamplesPerPixel: 1, NumberOfFrames: 1, PixelRepresentation: 0}

	if v, ok := findInt(d.inner, tag.Rows); ok {
		info.Rows = v
	}
	if v, ok := findInt(d.inner, tag.Columns); ok {
		info.Columns = v
	}
	if v, ok := findInt(d.inner, tag.BitsAllocated); ok {
		info.BitsAllocated = v
	}
	if v, ok := findInt(d.inner, tag.BitsStored); ok {
		info.BitsStored = v
	}
	if v, ok := findInt(d.inner, tag.HighBit); ok {
		info.HighBit = v
	}
	if v, ok := findInt(d.inner, tag.PixelRepresentation); ok {
		info.PixelRepresentation = v
	}
	if v, ok := findInt(d.inner, tag.SamplesPerPixel); ok {
		info.SamplesPerPixel = v
	}
	if v, ok := findInt(d.inner, tag.NumberOfFrames); ok {
		info.NumberOfFrames = v
	}
	info.PhotometricInterpretation = findString(d.inner, tag.PhotometricInterpretation)

	if slope, ok := findFloat(d.inner, tag.RescaleSlope); ok {
		if intercept, ok2 := findFloat(d.inner, tag.RescaleIntercept); ok2 {
			info.RescaleSlope = slope
			info.RescaleIntercept = intercept
			info.HasRescale = true
		}
	}
	if center, ok := findFloat(d.inner, tag.WindowCenter); ok {
		if width, ok2 := findFloat(d.inner, tag.WindowWidth); ok2 {
			info.WindowCenter = center
			info.WindowWidth = width
			info.HasWindow = true
		}
	}

	return info
}

// FrameSamples returns frameNumber's pixel samples as a flat, row-major,
// channel-interleaved slice of signed integers (already sign-extended by
// the underlying library for PixelRepresentation==1), alongside whether the
// transfer syntax left the frame encapsulated (compressed) rather than
// native.
func (d *Dataset) FrameSamples(frameNumber int) (samples []int, encapsulated bool, err error) {
	elem, err := d.inner.FindElementByTag(tag.PixelData)
	if err != nil || elem == nil || elem.Value == nil {
		return nil, false, fmt.Errorf("no pixel data element present")
	}

	pixelData, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, false, fmt.Errorf("unexpected pixel data value type")
	}
	if frameNumber < 0 || frameNumber >= len(pixelData.Frames) {
		return nil, false, fmt.Errorf("frame %d out of range (have %d)", frameNumber, len(pixelData.Frames))
	}

	f := pixelData.Frames[frameNumber]
	if f.Encapsulated {
		return intsFromBytes(f.EncapsulatedData.Data), true, nil
	}

	native := f.NativeData
	if len(native.Data) == 0 {
		return nil, false, nil
	}

	flat := make([]int, 0, len(native.Data)*len(native.Data[0]))
	for _, pixel := range native.Data {
		flat = append(flat, pixel...)
	}
	return flat, false, nil
}

func intsFromBytes(data []byte) []int {
	out := make([]int, len(data))
	for i, b := range data {
		out[i] = int(b)
	}
	return out
}

// RawBytes re-encodes element t's typed value as bytes, for WADO-RS bulkdata
// retrieval of elements other than PixelData (use FrameSamples for pixel
// data). String values join on the DICOM multi-value delimiter; numeric
// values are packed little-endian at their natural Go width.
func (d *Dataset) RawBytes(t tag.Tag) ([]byte, error) {
	elem, err := d.inner.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return nil, fmt.Errorf("element %04X,%04X not present", t.Group, t.Element)
	}

	switch v := elem.Value.GetValue().(type) {
	case []string:
		return []byte(strings.Join(v, "\\")), nil
	case []int:
		buf := make([]byte, 0, len(v)*4)
		for _, n := range v {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(int32(n)))
			buf = append(buf, b[:]...)
		}
		return buf, nil
	case []float64:
		buf := make([]byte, 0, len(v)*8)
		for _, f := range v {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
			buf = append(buf, b[:]...)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported value type for element %04X,%04X", t.Group, t.Element)
	}
}

// SetString overwrites the string value of the element at t, inserting it if
// absent. File meta (group 0x0002) and PixelData (7FE0,0010) are protected
// per the pre-store hook's update contract and always return an error.
func (d *Dataset) SetString(t tag.Tag, value string) error {
	if t.Group == 0x0002 || (t.Group == 0x7FE0 && t.Element == 0x0010) {
		return fmt.Errorf("cannot update protected element %04X,%04X", t.Group, t.Element)
	}

	elem, err := dicom.NewElement(t, []string{value})
	if err != nil {
		return fmt.Errorf("build element %04X,%04X: %w", t.Group, t.Element, err)
	}

	for i, existing := range d.inner.Elements {
		if existing.Tag == t {
			d.inner.Elements[i] = elem
			return nil
		}
	}
	d.inner.Elements = append(d.inner.Elements, elem)
	return nil
}
