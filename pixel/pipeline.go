// Package pixel implements the decode -> frame select -> VOI LUT/window ->
// 8-bit -> encode chain WADO-RS rendering and library consumers share.
// Compressed transfer syntaxes are handed to an injected Transcoder rather
// than decoded here; this package owns only the numeric pipeline and the
// final image encode.
package pixel

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/caio-sobreiro/dicomstack/dcmio"
	"github.com/caio-sobreiro/dicomstack/dicomerr"
	"github.com/caio-sobreiro/dicomstack/types"
)

// Transcoder decodes one encapsulated (compressed) frame into row-major,
// channel-interleaved samples at the dataset's stated bit depth. Codec
// support (JPEG baseline/lossless, JPEG-LS, JPEG 2000, RLE) is an external
// capability; this package only calls through the interface.
type Transcoder interface {
	Decode(ctx context.Context, data []byte, transferSyntaxUID string) ([]int, error)
}

// Options configures Processed/Render.
type Options struct {
	FrameNumber   int
	ApplyVOILUT   bool
	WindowCenter  *float64
	WindowWidth   *float64
	ConvertTo8Bit bool
}

// Viewport bounds a rendered image; one dimension is honored exactly and
// the other is derived to preserve the source aspect ratio. When both are
// set, an image already smaller than the viewport is not enlarged.
type Viewport struct {
	Width  int
	Height int
}

// Raw returns frameNumber's stored bitstream and whether it is still
// encapsulated (compressed), with no processing applied.
func Raw(ds *dcmio.Dataset, frameNumber int) (data []int, encapsulated bool, err error) {
	return ds.FrameSamples(frameNumber)
}

// Decoded returns frameNumber's samples in native (uncompressed) form,
// routing through transcoder when the frame arrived encapsulated.
func Decoded(ctx context.Context, ds *dcmio.Dataset, transcoder Transcoder, transferSyntaxUID string, frameNumber int) ([]int, error) {
	samples, encapsulated, err := ds.FrameSamples(frameNumber)
	if err != nil {
		return nil, err
	}
	if !encapsulated {
		return samples, nil
	}
	if !types.IsCompressed(transferSyntaxUID) {
		return samples, nil
	}
	if transcoder == nil {
		return nil, dicomerr.NewCodecError(transferSyntaxUID, fmt.Errorf("no transcoder configured for encapsulated transfer syntax"))
	}

	raw := intsToBytes(samples)
	decoded, err := transcoder.Decode(ctx, raw, transferSyntaxUID)
	if err != nil {
		return nil, dicomerr.NewCodecError(transferSyntaxUID, err)
	}
	return decoded, nil
}

func intsToBytes(samples []int) []byte {
	out := make([]byte, len(samples))
	for i, v := range samples {
		out[i] = byte(v)
	}
	return out
}

// Processed runs the decode -> frame select -> rescale -> VOI LUT/window ->
// 8-bit chain per §4.9 and returns row-major u8 bytes, one byte per sample
// (channel-interleaved for RGB).
func Processed(ctx context.Context, ds *dcmio.Dataset, transcoder Transcoder, transferSyntaxUID string, opts Options) ([]byte, dcmio.PixelInfo, error) {
	info := ds.PixelInfo()

	samples, err := Decoded(ctx, ds, transcoder, transferSyntaxUID, opts.FrameNumber)
	if err != nil {
		return nil, info, err
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(signExtend(s, info.BitsStored, info.PixelRepresentation))
	}

	isColor := info.SamplesPerPixel > 1
	if !isColor {
		if info.HasRescale {
			applyRescale(values, info.RescaleSlope, info.RescaleIntercept)
		}

		if opts.ApplyVOILUT {
			center, width := info.WindowCenter, info.WindowWidth
			if opts.WindowCenter != nil {
				center = *opts.WindowCenter
			}
			if opts.WindowWidth != nil {
				width = *opts.WindowWidth
			}
			if width > 0 {
				applyVOILUT(values, center, width)
			}
		}
	}

	if !opts.ConvertTo8Bit {
		out := make([]byte, len(values))
		for i, v := range values {
			out[i] = clamp8(v)
		}
		return out, info, nil
	}

	return to8Bit(values, info, isColor), info, nil
}

// signExtend interprets v (a bitsStored-wide sample, possibly already sign
// agnostic) as signed when pixelRepresentation==1.
func signExtend(v, bitsStored, pixelRepresentation int) int {
	if pixelRepresentation == 0 || bitsStored <= 0 || bitsStored >= 32 {
		return v
	}
	signBit := 1 << (bitsStored - 1)
	mask := (1 << bitsStored) - 1
	v &= mask
	if v&signBit != 0 {
		return v - (1 << bitsStored)
	}
	return v
}

// applyRescale maps stored values to real-world units in place.
func applyRescale(values []float64, slope, intercept float64) {
	for i, v := range values {
		values[i] = v*slope + intercept
	}
}

// applyVOILUT applies linear VOI LUT windowing (PS3.3 C.11.2.1.2), mapping
// the windowed range to 0..255 in place.
func applyVOILUT(values []float64, center, width float64) {
	lower := center - 0.5 - (width-1)/2
	upper := center - 0.5 + (width-1)/2
	for i, v := range values {
		switch {
		case v <= lower:
			values[i] = 0
		case v > upper:
			values[i] = 255
		default:
			values[i] = ((v-(center-0.5))/(width-1) + 0.5) * 255
		}
	}
}

// to8Bit linearly maps each plane's observed range to 0..255. Color samples
// skip VOI LUT (already applied above only for monochrome) and are mapped
// by their own natural range.
func to8Bit(values []float64, info dcmio.PixelInfo, isColor bool) []byte {
	out := make([]byte, len(values))
	if isColor {
		for i, v := range values {
			out[i] = clamp8(v)
		}
		return out
	}

	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	if span == 0 {
		span = 1
	}
	for i, v := range values {
		out[i] = clamp8((v - min) / span * 255)
	}
	return out
}

func clamp8(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v + 0.5)
}

// Render encodes Processed's output as format ("jpeg", "png", or "bmp"),
// resizing into viewport with Lanczos3 resampling when set while preserving
// aspect ratio, per §4.9.
func Render(ctx context.Context, ds *dcmio.Dataset, transcoder Transcoder, transferSyntaxUID, format string, viewport *Viewport, quality int, opts Options) ([]byte, error) {
	opts.ConvertTo8Bit = true
	samples, info, err := Processed(ctx, ds, transcoder, transferSyntaxUID, opts)
	if err != nil {
		return nil, err
	}

	img, err := toImage(samples, info)
	if err != nil {
		return nil, err
	}

	if viewport != nil && viewport.Width > 0 && viewport.Height > 0 {
		img = imaging.Fit(img, viewport.Width, viewport.Height, imaging.Lanczos)
	} else if viewport != nil {
		img = imaging.Resize(img, viewport.Width, viewport.Height, imaging.Lanczos)
	}

	return encode(img, format, quality)
}

func toImage(samples []byte, info dcmio.PixelInfo) (image.Image, error) {
	width, height := info.Columns, info.Rows
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("dataset missing Rows/Columns")
	}

	if info.SamplesPerPixel >= 3 {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := (y*width + x) * info.SamplesPerPixel
				if idx+2 >= len(samples) {
					continue
				}
				img.Set(x, y, color.RGBA{R: samples[idx], G: samples[idx+1], B: samples[idx+2], A: 0xFF})
			}
		}
		return img, nil
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			if idx >= len(samples) {
				continue
			}
			value := samples[idx]
			if info.PhotometricInterpretation == "MONOCHROME1" {
				value = 255 - value
			}
			img.Set(x, y, color.Gray{Y: value})
		}
	}
	return img, nil
}

func encode(img image.Image, format string, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	var fmtType imaging.Format
	switch format {
	case "jpeg", "jpg":
		fmtType = imaging.JPEG
	case "png":
		fmtType = imaging.PNG
	case "bmp":
		fmtType = imaging.BMP
	default:
		return nil, fmt.Errorf("unsupported render format %q", format)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, fmtType, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
