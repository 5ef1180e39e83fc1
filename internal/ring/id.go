package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// ID is a position on the identifier ring, always in [0, Space.Size()).
type ID uint64

const (
	// DefaultBits is the ring-size exponent m used when none is configured (128 slots).
	DefaultBits = 7

	// MaxBits bounds m so every identifier and finger start fits comfortably in a uint64.
	MaxBits = 32
)

// ErrInvalidBits is returned by NewSpace for an exponent outside 1..MaxBits.
var ErrInvalidBits = errors.New("ring size exponent out of range")

// Space is an identifier ring of 2^Bits slots. All modular arithmetic on
// identifiers goes through its methods so wraparound is handled in one place.
type Space struct {
	Bits uint
}

// NewSpace returns the identifier space for exponent bits.
//
// Parameters:
//   - bits: ring-size exponent m (1..MaxBits)
//
// Returns:
//   - Space: the ring of 2^bits slots
//   - error: ErrInvalidBits when bits is out of range
//
// Example:
//
//	space, err := ring.NewSpace(7) // 128 slots
func NewSpace(bits uint) (Space, error) {
	if bits == 0 || bits > MaxBits {
		return Space{}, fmt.Errorf("%w: %d", ErrInvalidBits, bits)
	}
	return Space{Bits: bits}, nil
}

// Size returns the number of slots on the ring (RingSize).
func (s Space) Size() uint64 {
	return 1 << s.Bits
}

func (s Space) mask() uint64 {
	return s.Size() - 1
}

// Wrap reduces v modulo the ring size.
func (s Space) Wrap(v uint64) ID {
	return ID(v & s.mask())
}

// Add moves id clockwise by delta slots.
func (s Space) Add(id ID, delta uint64) ID {
	return s.Wrap(uint64(id) + delta)
}

// Distance is the clockwise number of slots from one identifier to another.
func (s Space) Distance(from, to ID) uint64 {
	return (uint64(to) - uint64(from)) & s.mask()
}

// ArcContains reports whether point lies on the clockwise half-open arc
// [start, end). An arc whose two ends coincide is empty.
//
// This is the only place ring wraparound is decided. The other interval
// shapes are expressed through it:
//
//	(a, b]  ArcContains(a+1, b+1, x)
//	(a, b)  ArcContains(a+1, b, x)    // (a, a) is the whole ring minus a
//
// Example (128 slots):
//
//	space.ArcContains(90, 10, 95)  // true, the arc wraps past 127
//	space.ArcContains(90, 10, 50)  // false
func (s Space) ArcContains(start, end, point ID) bool {
	return s.Distance(start, point) < s.Distance(start, end)
}

// openClosed reports point ∈ (after, upto].
func (s Space) openClosed(after, upto, point ID) bool {
	return s.ArcContains(s.Add(after, 1), s.Add(upto, 1), point)
}

// open reports point ∈ (after, before).
func (s Space) open(after, before, point ID) bool {
	return s.ArcContains(s.Add(after, 1), before, point)
}

// FingerStart returns self + 2^(i-1), the first identifier finger i is meant to cover.
// i is 1-based and must be within 1..Bits.
func (s Space) FingerStart(self ID, i int) ID {
	return s.Add(self, uint64(1)<<uint(i-1))
}

// HashID maps raw bytes (a node address, a user email) to a ring position:
// the first 8 bytes of the SHA-256 digest, big endian, reduced modulo the ring size.
//
// Example:
//
//	id := space.HashID([]byte("10.0.0.1:7000"))
func (s Space) HashID(data []byte) ID {
	sum := sha256.Sum256(data)
	return s.Wrap(binary.BigEndian.Uint64(sum[:8]))
}
