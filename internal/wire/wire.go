// Package wire implements the magic-tagged, id-dispatched typed-packet
// registry: a packet type is any value exposing a compile-time id, a
// BitStream read/write pair, and a default-constructor factory. Instances
// obtained from the registry are returned to the type's free list after
// consumption, never freed.
package wire

import (
	"fmt"
	"math/bits"

	"github.com/sw2proto/lobbyd/internal/bitstream"
)

// Packet is anything the registry can read/write by id.
type Packet interface {
	PacketID() uint32
	Read(bs *bitstream.BitStream) error
	Write(bs *bitstream.BitStream) error
}

type typeEntry struct {
	factory  func() Packet
	freeList []Packet
}

// Registry maps packet ids (0..maxID-1) to a (factory, free list) pair.
// It is single-thread-owned; concurrent use needs external sharding or a mutex.
type Registry struct {
	maxID      uint32
	idBitCount int
	magicBits  int
	magicValue uint32
	types      map[uint32]*typeEntry
}

// NewRegistry creates a registry for ids in [0, maxID). magicBits/magicValue
// may both be zero to disable the magic prefix.
func NewRegistry(maxID uint32, magicBits int, magicValue uint32) *Registry {
	idBits := 0
	if maxID > 1 {
		idBits = bits.Len32(maxID - 1)
	} else if maxID == 1 {
		idBits = 1
	}
	return &Registry{
		maxID:      maxID,
		idBitCount: idBits,
		magicBits:  magicBits,
		magicValue: magicValue,
		types:      make(map[uint32]*typeEntry),
	}
}

// Register associates id with factory. Duplicate ids and ids outside
// [0, maxID) are rejected.
func (r *Registry) Register(id uint32, factory func() Packet) error {
	if id >= r.maxID {
		return fmt.Errorf("wire: id %d out of range [0,%d)", id, r.maxID)
	}
	if _, exists := r.types[id]; exists {
		return fmt.Errorf("wire: id %d already registered", id)
	}
	r.types[id] = &typeEntry{factory: factory}
	return nil
}

func (r *Registry) alloc(id uint32) (Packet, error) {
	entry, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("wire: unknown packet id %d", id)
	}
	n := len(entry.freeList)
	if n > 0 {
		p := entry.freeList[n-1]
		entry.freeList = entry.freeList[:n-1]
		return p, nil
	}
	return entry.factory(), nil
}

// FreePacket returns p to its type's free list. Safe to call on a packet
// already freed only if the caller does not reuse the stale reference.
func (r *Registry) FreePacket(p Packet) {
	entry, ok := r.types[p.PacketID()]
	if !ok {
		return
	}
	entry.freeList = append(entry.freeList, p)
}

// Encode emits the magic (if configured), the id, then p.Write's bits into bs.
// Failure anywhere returns an error without rolling back already-emitted bits;
// the caller is expected to abandon the buffer.
func (r *Registry) Encode(bs *bitstream.BitStream, p Packet) error {
	if r.magicBits > 0 {
		if !bs.WriteBits(r.magicValue, r.magicBits) {
			return fmt.Errorf("wire: encode magic: buffer overflow")
		}
	}
	if !bs.WriteBits(p.PacketID(), r.idBitCount) {
		return fmt.Errorf("wire: encode id: buffer overflow")
	}
	if err := p.Write(bs); err != nil {
		return fmt.Errorf("wire: encode payload: %w", err)
	}
	return nil
}

// Decode reads the magic (if configured, failing on mismatch), the id, then
// allocates and reads an instance from that id's free list or factory. On
// read failure the instance is recycled immediately and the call fails.
func (r *Registry) Decode(bs *bitstream.BitStream) (Packet, error) {
	if r.magicBits > 0 {
		got, ok := bs.ReadBits(r.magicBits)
		if !ok {
			return nil, fmt.Errorf("wire: decode magic: short buffer")
		}
		if got != r.magicValue {
			return nil, fmt.Errorf("wire: magic mismatch: got 0x%X want 0x%X", got, r.magicValue)
		}
	}
	id, ok := bs.ReadBits(r.idBitCount)
	if !ok {
		return nil, fmt.Errorf("wire: decode id: short buffer")
	}
	p, err := r.alloc(id)
	if err != nil {
		return nil, err
	}
	if err := p.Read(bs); err != nil {
		r.FreePacket(p)
		return nil, fmt.Errorf("wire: decode payload id=%d: %w", id, err)
	}
	return p, nil
}
