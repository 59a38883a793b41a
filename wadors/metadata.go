package wadors

import "github.com/caio-sobreiro/dicomstack/dcmio"

// dicomJSON is a single DICOM JSON (PS3.18 §F.2) object: an 8-hex-char tag
// key mapping to a {"vr": CODE, "Value": [...]} body.
type dicomJSON map[string]any

func element(vr string, values ...any) map[string]any {
	return map[string]any{"vr": vr, "Value": values}
}

func personName(alphabetic string) map[string]any {
	return map[string]any{"Alphabetic": alphabetic}
}

// buildMetadata renders ds's identifying attributes as a DICOM JSON object.
// It covers the same bounded attribute set dcmio.Dataset exposes named
// accessors for (qidors/builder.go builds studies/series/instances from the
// same set) rather than a full per-element walk of the dataset, which would
// need per-element VR introspection the underlying dicom library's public
// surface wasn't confirmed to expose.
func buildMetadata(ds *dcmio.Dataset) dicomJSON {
	doc := dicomJSON{
		"0020000D": element("UI", ds.StudyInstanceUID()),
		"0020000E": element("UI", ds.SeriesInstanceUID()),
		"00080018": element("UI", ds.SOPInstanceUID()),
		"00080016": element("UI", ds.SOPClassUID()),
	}
	if v := ds.PatientID(); v != "" {
		doc["00100020"] = element("LO", v)
	}
	if v := ds.PatientName(); v != "" {
		doc["00100010"] = element("PN", personName(v))
	}
	if v := ds.StudyDate(); v != "" {
		doc["00080020"] = element("DA", v)
	}
	if v := ds.StudyDescription(); v != "" {
		doc["00081030"] = element("LO", v)
	}
	if v := ds.AccessionNumber(); v != "" {
		doc["00080050"] = element("SH", v)
	}
	if v := ds.SeriesNumber(); v != "" {
		doc["00200011"] = element("IS", v)
	}
	if v := ds.SeriesDescription(); v != "" {
		doc["0008103E"] = element("LO", v)
	}
	if v := ds.Modality(); v != "" {
		doc["00080060"] = element("CS", v)
	}
	if v := ds.InstanceNumber(); v != "" {
		doc["00200013"] = element("IS", v)
	}

	info := ds.PixelInfo()
	if info.Rows > 0 {
		doc["00280010"] = element("US", info.Rows)
		doc["00280011"] = element("US", info.Columns)
		doc["00280100"] = element("US", info.BitsAllocated)
		doc["00280002"] = element("US", info.SamplesPerPixel)
		doc["00280008"] = element("IS", info.NumberOfFrames)
		if info.PhotometricInterpretation != "" {
			doc["00280004"] = element("CS", info.PhotometricInterpretation)
		}
	}

	return doc
}
