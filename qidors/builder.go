package qidors

import "github.com/caio-sobreiro/dicomstack/types"

// dicomJSON is one PS3.18 §F.2 result object: tag hex strings to
// {"vr": code, "Value": [...]}. This file is the only place in qidors that
// emits tag/VR literals; every builder below assembles the same shape.
type dicomJSON map[string]any

func element(vr string, values ...any) map[string]any {
	return map[string]any{"vr": vr, "Value": values}
}

func personName(alphabetic string) map[string]any {
	return map[string]any{"Alphabetic": alphabetic}
}

// buildStudy renders one types.Study as a DICOM JSON study-level result.
func buildStudy(s types.Study) dicomJSON {
	out := dicomJSON{
		"0020000D": element("UI", s.InstanceUID),
	}
	if s.PatientID != "" {
		out["00100020"] = element("LO", s.PatientID)
	}
	if s.PatientName != "" {
		out["00100010"] = element("PN", personName(s.PatientName))
	}
	if s.Date != "" {
		out["00080020"] = element("DA", s.Date)
	}
	if s.Description != "" {
		out["00081030"] = element("LO", s.Description)
	}
	if s.AccessionNum != "" {
		out["00080050"] = element("SH", s.AccessionNum)
	}
	return out
}

// buildSeries renders one types.Series as a DICOM JSON series-level result,
// scoped under studyInstanceUID.
func buildSeries(studyInstanceUID string, se types.Series) dicomJSON {
	out := dicomJSON{
		"0020000D": element("UI", studyInstanceUID),
		"0020000E": element("UI", se.InstanceUID),
	}
	if se.Number != "" {
		out["00200011"] = element("IS", se.Number)
	}
	if se.Modality != "" {
		out["00080060"] = element("CS", se.Modality)
	}
	if se.Description != "" {
		out["0008103E"] = element("LO", se.Description)
	}
	return out
}

// buildImage renders one types.Image as a DICOM JSON instance-level result,
// scoped under studyInstanceUID/seriesInstanceUID.
func buildImage(studyInstanceUID, seriesInstanceUID string, img types.Image) dicomJSON {
	out := dicomJSON{
		"0020000D": element("UI", studyInstanceUID),
		"0020000E": element("UI", seriesInstanceUID),
		"00080018": element("UI", img.SOPInstanceUID),
	}
	if img.InstanceNumber != "" {
		out["00200013"] = element("IS", img.InstanceNumber)
	}
	return out
}
