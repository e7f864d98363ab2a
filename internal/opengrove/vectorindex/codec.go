package vectorindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// encodeVector packs floats as little-endian float32, four bytes each.
func encodeVector(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal message ids: %w", err)
	}
	return string(b), nil
}

func decodeIDs(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal message ids: %w", err)
	}
	return ids, nil
}

// cosineDistance returns 1 - cosine similarity. Mismatched or zero vectors
// are maximally distant from everything.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// sortHits orders hits by ascending distance, keeping insertion order for
// ties.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
}

func checkDims(chunks []Chunk, dims int) error {
	for _, c := range chunks {
		if len(c.Embedding) != dims {
			return fmt.Errorf("%w: chunk %s has %d values, want %d", ErrDimensionMismatch, c.ID, len(c.Embedding), dims)
		}
	}
	return nil
}
