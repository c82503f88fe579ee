package oto

import (
	"math"
)

// FloatBufferTo16BitLE converts a []float32 buffer to 16-bit little-endian,
// clamping out-of-range samples. The target buffer is appended to, so its
// capacity can be reused across calls.
func FloatBufferTo16BitLE(buff []float32, targetBuffer []byte) []byte {
	for _, v := range buff {
		var uv int16
		if v < -1.0 {
			uv = -math.MaxInt16
		} else if v > 1.0 {
			uv = math.MaxInt16
		} else {
			uv = int16(v * math.MaxInt16)
		}
		targetBuffer = append(targetBuffer, byte(uv&255), byte(uv>>8))
	}
	return targetBuffer
}
