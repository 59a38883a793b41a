package wadors

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

// writeMultipartRelated encodes parts as a multipart/related body, one part
// per element of parts, each carrying partContentType. mime/multipart picks
// the boundary token (a random string, per §4.10) and writes the trailing
// "--boundary--" itself; no third-party library in the pack builds
// multipart/related bodies, so this is the one place wadors reaches past the
// corpus's stack into the standard library.
func writeMultipartRelated(w http.ResponseWriter, partContentType string, parts [][]byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, part := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", partContentType)
		pw, err := mw.CreatePart(header)
		if err != nil {
			return err
		}
		if _, err := pw.Write(part); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	w.Header().Set("Content-Type", `multipart/related; type="`+partContentType+`"; boundary=`+mw.Boundary())
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(buf.Bytes())
	return err
}
