package challenge

import (
	"math/rand"
	"strings"
)

const maxPairAttempts = 64

// Seed is the full description needed to deterministically reconstruct a
// puzzle: grid size, which cells are populated, which transforms compose
// the answer, and the PRNG seed driving cell placement.
type Seed struct {
	SeedId        string      `json:"seed_id"`
	IssuedAt      int64       `json:"issued_at"`
	ExpiresAt     int64       `json:"expires_at"`
	IPBucket      string      `json:"ip_bucket"`
	GridSize      int         `json:"grid_size"`
	ActiveCells   int         `json:"active_cells"`
	Transforms    []Transform `json:"transforms"`
	TrainingCount int         `json:"training_count"`
	PRNGSeed      int64       `json:"seed"`
}

// Pair is one training example: an input grid and its transformed output,
// both flattened row-major trit slices.
type Pair struct {
	Input  []byte
	Output []byte
}

// Puzzle is a fully materialized challenge: training examples plus the
// held-out test input/output the client must reproduce.
type Puzzle struct {
	TrainingPairs []Pair
	TestInput     []byte
	TestOutput    []byte
	GridSize      int
}

// Build deterministically reconstructs a Puzzle from a Seed; identical
// seeds always produce identical puzzles.
func Build(seed Seed) Puzzle {
	rng := rand.New(rand.NewSource(seed.PRNGSeed))
	pairs := make([]Pair, 0, seed.TrainingCount)
	for i := 0; i < seed.TrainingCount; i++ {
		in, out := generatePair(rng, seed.GridSize, seed.ActiveCells, seed.Transforms)
		pairs = append(pairs, Pair{Input: in, Output: out})
	}
	testIn, testOut := generatePair(rng, seed.GridSize, seed.ActiveCells, seed.Transforms)
	return Puzzle{TrainingPairs: pairs, TestInput: testIn, TestOutput: testOut, GridSize: seed.GridSize}
}

func generateGrid(rng *rand.Rand, size, active int) []byte {
	grid := make([]byte, size*size)
	indices := rng.Perm(len(grid))
	activeIndices := indices
	if active < len(activeIndices) {
		activeIndices = activeIndices[:active]
	}
	hasOne, hasTwo := false, false
	for _, idx := range activeIndices {
		val := byte(1)
		if rng.Intn(2) == 1 {
			val = 2
		}
		if val == 1 {
			hasOne = true
		} else {
			hasTwo = true
		}
		grid[idx] = val
	}
	if active >= 2 && (!hasOne || !hasTwo) {
		i := activeIndices[0]
		if hasOne {
			grid[i] = 2
		} else {
			grid[i] = 1
		}
	}
	return grid
}

// generatePair retries up to maxPairAttempts times to avoid a trivially
// identity transform (input == output).
func generatePair(rng *rand.Rand, size, active int, transforms []Transform) ([]byte, []byte) {
	var lastIn, lastOut []byte
	for i := 0; i < maxPairAttempts; i++ {
		in := generateGrid(rng, size, active)
		out := applyTransforms(in, size, transforms)
		if string(out) != string(in) {
			return in, out
		}
		lastIn, lastOut = in, out
	}
	return lastIn, lastOut
}

// SelectTransformPair picks two distinct transforms that are not a
// rotate-cw/rotate-ccw inverse pair (which would make the round trip a
// no-op on some grids).
func SelectTransformPair(rng *rand.Rand) []Transform {
	options := allTransforms()
	for {
		rng.Shuffle(len(options), func(i, j int) { options[i], options[j] = options[j], options[i] })
		a, b := options[0], options[1]
		if !isInverseRotationPair(a, b) {
			return []Transform{a, b}
		}
	}
}

// ParseSubmission validates and decodes a trit-string submission.
func ParseSubmission(input string, size int) ([]byte, bool) {
	trimmed := strings.TrimSpace(input)
	expected := size * size
	if trimmed == "" || len(trimmed) != expected {
		return nil, false
	}
	out := make([]byte, len(trimmed))
	for i, r := range trimmed {
		switch r {
		case '0':
			out[i] = 0
		case '1':
			out[i] = 1
		case '2':
			out[i] = 2
		default:
			return nil, false
		}
	}
	return out, true
}

// GridToTritString renders a grid as its canonical comparison string.
func GridToTritString(grid []byte) string {
	var b strings.Builder
	b.Grow(len(grid))
	for _, v := range grid {
		b.WriteByte('0' + v)
	}
	return b.String()
}
