package record

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// FingerprintDims is the vector size stores index contexts with.
const FingerprintDims = 64

// Fingerprint maps a context onto a fixed-size unit vector by feature hashing.
// Every key=value pair contributes one signed unit and every bare key half a
// unit, so contexts sharing keys but not values still land close together.
// An empty context yields the zero vector.
func Fingerprint(c Context, dims int) []float32 {
	if dims <= 0 {
		dims = FingerprintDims
	}
	vec := make([]float32, dims)
	for k, v := range c {
		addFeature(vec, "k\x00"+k, 0.5)
		addFeature(vec, "kv\x00"+k+"\x00"+v.Text(), 1)
	}
	var norm float64
	for _, f := range vec {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func addFeature(vec []float32, token string, weight float32) {
	h := xxhash.Sum64String(token)
	idx := h % uint64(len(vec))
	if h&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}
