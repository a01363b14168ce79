// Package entropy supplies calibrated random decision bits. The rest of the
// engine never talks to a generator directly: it draws bit sequences through
// the Source interface, so a hardware RNG, the crypto RNG or a seeded PRNG
// are interchangeable.
package entropy

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"sync"
	"time"
)

// DefaultBitLength is the number of bits drawn per request when no length is
// configured.
const DefaultBitLength = 16

// Bits is a fixed-length sequence of decision bits, one byte per bit, each
// entry 0 or 1.
type Bits []byte

// SetFraction returns the fraction of set bits in [0,1]. Empty sequences
// report 0.
func (b Bits) SetFraction() float64 {
	if len(b) == 0 {
		return 0
	}
	set := 0
	for _, bit := range b {
		if bit != 0 {
			set++
		}
	}
	return float64(set) / float64(len(b))
}

// Source produces calibrated bit sequences. Draw never blocks the pipeline:
// when the primary generator is unavailable the implementation falls back to
// a pseudo-random generator and reports degraded=true.
type Source interface {
	Draw() (bits Bits, degraded bool)
}

// CryptoSource draws bits from the operating system's cryptographic
// generator, with a configurable per-bit set probability. On read failure it
// degrades to a time-seeded PRNG rather than failing the draw.
type CryptoSource struct {
	length int
	bias   float64

	mu       sync.Mutex
	fallback *mrand.Rand
}

// NewCryptoSource builds a source emitting sequences of the given length
// with per-bit probability bias of being set. Non-positive length uses
// DefaultBitLength; bias outside [0,1] is clamped.
func NewCryptoSource(length int, bias float64) *CryptoSource {
	if length <= 0 {
		length = DefaultBitLength
	}
	return &CryptoSource{length: length, bias: clamp01(bias)}
}

// Draw samples a bit sequence. degraded is true only when the cryptographic
// generator could not be read and the PRNG fallback was used.
func (s *CryptoSource) Draw() (Bits, bool) {
	buf := make([]byte, 8*s.length)
	if _, err := crand.Read(buf); err != nil {
		return s.drawDegraded(), true
	}

	bits := make(Bits, s.length)
	for i := 0; i < s.length; i++ {
		word := binary.LittleEndian.Uint64(buf[8*i : 8*i+8])
		// Top 53 bits give a uniform float in [0,1).
		u := float64(word>>11) / (1 << 53)
		if u < s.bias {
			bits[i] = 1
		}
	}
	return bits, false
}

func (s *CryptoSource) drawDegraded() Bits {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback == nil {
		seed := uint64(time.Now().UnixNano())
		s.fallback = mrand.New(mrand.NewPCG(seed, seed))
	}
	bits := make(Bits, s.length)
	for i := range bits {
		if s.fallback.Float64() < s.bias {
			bits[i] = 1
		}
	}
	return bits
}

// SeededSource is a deterministic PRNG-backed source for replayable tests
// and offline tuning. The same seed and call order always produce the same
// sequences.
type SeededSource struct {
	length int
	bias   float64

	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeededSource builds a deterministic source from a seed.
func NewSeededSource(length int, bias float64, seed uint64) *SeededSource {
	if length <= 0 {
		length = DefaultBitLength
	}
	return &SeededSource{
		length: length,
		bias:   clamp01(bias),
		rng:    mrand.New(mrand.NewPCG(seed, seed)),
	}
}

// Reseed resets the generator so a sequence of draws can be replayed.
func (s *SeededSource) Reseed(seed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = mrand.New(mrand.NewPCG(seed, seed))
}

// Draw samples a deterministic bit sequence. Never degraded.
func (s *SeededSource) Draw() (Bits, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bits := make(Bits, s.length)
	for i := range bits {
		if s.rng.Float64() < s.bias {
			bits[i] = 1
		}
	}
	return bits, false
}

// FixedSource always returns the same bit sequence. Test helper for forcing
// a specific mode draw.
type FixedSource struct {
	Bits     Bits
	Degraded bool
}

func (s FixedSource) Draw() (Bits, bool) {
	out := make(Bits, len(s.Bits))
	copy(out, s.Bits)
	return out, s.Degraded
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
