package pixel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomstack/dcmio"
)

func TestSignExtend_UnsignedPassesThrough(t *testing.T) {
	require.Equal(t, 300, signExtend(300, 12, 0))
}

func TestSignExtend_SignedNegative(t *testing.T) {
	// 12-bit stored, value 0xFFF (all ones) is -1 when signed.
	require.Equal(t, -1, signExtend(0xFFF, 12, 1))
}

func TestSignExtend_SignedPositive(t *testing.T) {
	require.Equal(t, 100, signExtend(100, 12, 1))
}

func TestApplyRescale(t *testing.T) {
	values := []float64{0, 1024, 2048}
	applyRescale(values, 1, -1024)
	require.Equal(t, []float64{-1024, 0, 1024}, values)
}

func TestApplyVOILUT_Midpoint(t *testing.T) {
	values := []float64{40} // equals window center
	applyVOILUT(values, 40, 400)
	require.InDelta(t, 127.5, values[0], 1.0)
}

func TestApplyVOILUT_BelowLowerBoundClampsToZero(t *testing.T) {
	values := []float64{-1000}
	applyVOILUT(values, 40, 400)
	require.Equal(t, float64(0), values[0])
}

func TestApplyVOILUT_AboveUpperBoundClampsToMax(t *testing.T) {
	values := []float64{1000}
	applyVOILUT(values, 40, 400)
	require.Equal(t, float64(255), values[0])
}

func TestTo8Bit_MonochromeNormalizesObservedRange(t *testing.T) {
	info := dcmio.PixelInfo{}
	out := to8Bit([]float64{-100, 0, 100}, info, false)
	require.Equal(t, byte(0), out[0])
	require.InDelta(t, 127, out[1], 2)
	require.Equal(t, byte(255), out[2])
}

func TestTo8Bit_ConstantPlaneDoesNotDivideByZero(t *testing.T) {
	info := dcmio.PixelInfo{}
	out := to8Bit([]float64{50, 50, 50}, info, false)
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}

func TestClamp8(t *testing.T) {
	require.Equal(t, byte(0), clamp8(-5))
	require.Equal(t, byte(255), clamp8(300))
	require.Equal(t, byte(128), clamp8(127.6))
}

func TestToImage_MissingDimensionsErrors(t *testing.T) {
	_, err := toImage([]byte{1, 2, 3}, dcmio.PixelInfo{})
	require.Error(t, err)
}

func TestToImage_Monochrome1Inverts(t *testing.T) {
	info := dcmio.PixelInfo{Rows: 1, Columns: 2, SamplesPerPixel: 1, PhotometricInterpretation: "MONOCHROME1"}
	img, err := toImage([]byte{0, 255}, info)
	require.NoError(t, err)
	r, _, _, _ := img.At(0, 0).RGBA()
	require.Equal(t, uint32(math.MaxUint16), r)
}

func TestToImage_RGBSamples(t *testing.T) {
	info := dcmio.PixelInfo{Rows: 1, Columns: 1, SamplesPerPixel: 3}
	img, err := toImage([]byte{10, 20, 30}, info)
	require.NoError(t, err)
	r, g, b, _ := img.At(0, 0).RGBA()
	require.Equal(t, uint32(10*0x101), r)
	require.Equal(t, uint32(20*0x101), g)
	require.Equal(t, uint32(30*0x101), b)
}
