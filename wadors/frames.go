package wadors

import (
	"fmt"
	"strconv"
	"strings"
)

// parseFrameList parses WADO-RS's 1-based, inclusive frame-list grammar
// (§4.10): frame (',' frame)* where frame := integer | integer '-' integer.
func parseFrameList(raw string) ([]int, error) {
	var frames []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty frame entry in %q", raw)
		}

		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return nil, fmt.Errorf("invalid frame range %q: %w", part, err)
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return nil, fmt.Errorf("invalid frame range %q: %w", part, err)
			}
			if lo < 1 || hi < lo {
				return nil, fmt.Errorf("invalid frame range %q", part)
			}
			for f := lo; f <= hi; f++ {
				frames = append(frames, f)
			}
			continue
		}

		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid frame number %q", part)
		}
		frames = append(frames, n)
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("empty frame list")
	}
	return frames, nil
}

// framesToBytes packs samples back to their on-wire byte width. 16-bit
// allocations are packed little-endian, matching the native transfer
// syntaxes' byte order.
func framesToBytes(samples []int, bitsAllocated int) []byte {
	if bitsAllocated > 8 {
		out := make([]byte, len(samples)*2)
		for i, v := range samples {
			out[2*i] = byte(v)
			out[2*i+1] = byte(v >> 8)
		}
		return out
	}

	out := make([]byte, len(samples))
	for i, v := range samples {
		out[i] = byte(v)
	}
	return out
}
