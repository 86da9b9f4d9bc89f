package aggregator

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/bardlex/orepool/internal/pool"
)

// Partitioner maps the n-th allocation of a round onto a nonce window.
// Windows returned for distinct slots of the same round must not overlap.
type Partitioner interface {
	Window(roundID, slot uint64) (start, end uint64, err error)
}

// SequentialPartitioner divides the space into Slots equal windows and hands
// them out in increasing order, rotated by an offset derived from the round id.
// The last window absorbs the division remainder.
type SequentialPartitioner struct {
	// SpaceSize is the number of nonces; zero means the full 64-bit space.
	// Windows are half-open, so with the full space the last window ends at
	// math.MaxUint64 and that single nonce is never allocated.
	SpaceSize uint64
	// Slots is the expected pool size. Allocation fails once every slot is taken.
	Slots uint64

	width uint64
}

// NewSequentialPartitioner validates the sizes and precomputes the window width.
func NewSequentialPartitioner(spaceSize, slots uint64) (*SequentialPartitioner, error) {
	if slots == 0 {
		return nil, fmt.Errorf("partition slots must be positive")
	}
	if spaceSize != 0 && spaceSize < slots {
		return nil, fmt.Errorf("space size %d smaller than %d slots", spaceSize, slots)
	}

	var width uint64
	switch {
	case spaceSize != 0:
		width = spaceSize / slots
	case slots == 1:
		width = math.MaxUint64
	default:
		// floor(2^64 / slots)
		width, _ = bits.Div64(1, 0, slots)
	}

	return &SequentialPartitioner{SpaceSize: spaceSize, Slots: slots, width: width}, nil
}

// Width returns the size of every window except possibly the last.
func (p *SequentialPartitioner) Width() uint64 {
	return p.width
}

// Window implements Partitioner.
func (p *SequentialPartitioner) Window(roundID, slot uint64) (uint64, uint64, error) {
	if slot >= p.Slots {
		return 0, 0, fmt.Errorf("%w: %d of %d slots in use", pool.ErrSpaceExhausted, slot, p.Slots)
	}

	index := slot + roundOffset(roundID)%p.Slots
	if index < slot || index >= p.Slots {
		index -= p.Slots
	}
	start := index * p.width
	end := start + p.width
	if index == p.Slots-1 {
		end = p.SpaceSize
		if end == 0 {
			// half-open ranges cannot reach 2^64
			end = math.MaxUint64
		}
	}
	return start, end, nil
}

// roundOffset scrambles the round id so consecutive rounds start at
// unrelated windows.
func roundOffset(roundID uint64) uint64 {
	z := roundID + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
