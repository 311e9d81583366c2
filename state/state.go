// Package state implements the VM's byte-addressed linear memory: a stack
// region grown/shrunk from address 0, and a heap region served by a
// first-fit, coalescing free-list allocator.
package state

import (
	"sort"
	"unsafe"

	"github.com/pkg/errors"
)

// Value is a handle naming a byte range in a State. It carries no
// ownership semantics of its own.
type Value struct {
	Address int
	Size    int
}

func NewValue(address, size int) Value {
	return Value{Address: address, Size: size}
}

var (
	ErrOutOfBounds     = errors.New("out of bounds")
	ErrStackOverflow   = errors.New("stack overflow")
	ErrStackUnderflow  = errors.New("stack underflow")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrOverlappingMove = errors.New("overlapping push/pop move")
	ErrDoubleFree      = errors.New("double free")
)

// Atomic constrains the set of fixed-width types State's typed load/store
// primitives accept: the 12 reserved atomic struct kinds from assembly
// plus Go's word-sized int/uint standing in for isize/usize.
type Atomic interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64 | ~int | ~uint
}

type freeRange struct {
	offset int
	size   int
}

// State is the combined stack + free-list heap addressed by byte offset.
// Stack occupies [0, stackSize); heap occupies [stackSize, stackSize+memorySize).
type State struct {
	bytes      []byte
	stackSize  int
	memorySize int
	stackPos   int
	free       []freeRange
}

// New returns a zero-filled State with the whole heap free.
func New(stackSize, memorySize int) *State {
	return &State{
		bytes:      make([]byte, stackSize+memorySize),
		stackSize:  stackSize,
		memorySize: memorySize,
		free:       []freeRange{{offset: 0, size: memorySize}},
	}
}

func (s *State) StackSize() int  { return s.stackSize }
func (s *State) MemorySize() int { return s.memorySize }
func (s *State) AllSize() int    { return s.stackSize + s.memorySize }
func (s *State) StackPos() int   { return s.stackPos }
func (s *State) StackFree() int  { return s.stackSize - s.stackPos }

func (s *State) MemoryFree() int {
	total := 0
	for _, f := range s.free {
		total += f.size
	}
	return total
}

func sizeOf[T Atomic]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

func toBytes[T Atomic](v T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&v)), int(unsafe.Sizeof(v)))
}

func fromBytes[T Atomic](b []byte) T {
	var v T
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), int(unsafe.Sizeof(v))), b)
	return v
}

// StackPushDataT appends sizeof(T) bytes (the host's native byte pattern
// for v, not a portable encoding) to the stack.
func StackPushDataT[T Atomic](s *State, v T) (Value, error) {
	size := sizeOf[T]()
	if s.stackPos+size > s.stackSize {
		return Value{}, errors.Wrapf(ErrStackOverflow, "pushing %d bytes", size)
	}
	copy(s.bytes[s.stackPos:s.stackPos+size], toBytes(v))
	val := Value{Address: s.stackPos, Size: size}
	s.stackPos += size
	return val, nil
}

// StackPushBytes appends len(src) bytes to the stack.
func (s *State) StackPushBytes(src []byte) (Value, error) {
	if s.stackPos+len(src) > s.stackSize {
		return Value{}, errors.Wrapf(ErrStackOverflow, "pushing %d bytes", len(src))
	}
	copy(s.bytes[s.stackPos:s.stackPos+len(src)], src)
	val := Value{Address: s.stackPos, Size: len(src)}
	s.stackPos += len(src)
	return val, nil
}

// StackPushMove copies n bytes from source into the stack top. Fails if
// source lies outside the combined region or overlaps the destination.
func (s *State) StackPushMove(source, n int) (Value, error) {
	if source+n > s.stackSize+s.memorySize {
		return Value{}, errors.Wrapf(ErrOutOfBounds, "push move %d bytes from outside memory", n)
	}
	if s.stackPos+n > s.stackSize {
		return Value{}, errors.Wrapf(ErrStackOverflow, "push move %d bytes", n)
	}
	if source+n > s.stackPos && source < s.stackPos+n {
		return Value{}, errors.Wrapf(ErrOverlappingMove, "push move %d bytes overlaps destination", n)
	}
	copy(s.bytes[s.stackPos:s.stackPos+n], s.bytes[source:source+n])
	val := Value{Address: s.stackPos, Size: n}
	s.stackPos += n
	return val, nil
}

// StackPopBytes shrinks the stack by n bytes and returns them.
func (s *State) StackPopBytes(n int) ([]byte, error) {
	if n > s.stackPos {
		return nil, errors.Wrapf(ErrStackUnderflow, "popping %d bytes", n)
	}
	s.stackPos -= n
	out := make([]byte, n)
	copy(out, s.bytes[s.stackPos:s.stackPos+n])
	return out, nil
}

// StackPopDataT shrinks the stack by sizeof(T) and returns the value.
func StackPopDataT[T Atomic](s *State) (T, error) {
	var zero T
	size := sizeOf[T]()
	if size > s.stackPos {
		return zero, errors.Wrapf(ErrStackUnderflow, "popping %d bytes", size)
	}
	s.stackPos -= size
	return fromBytes[T](s.bytes[s.stackPos : s.stackPos+size]), nil
}

// StackPopMove pops n bytes into dst, rejecting overlap with the popped range.
func (s *State) StackPopMove(dst, n int) error {
	if dst+n > s.stackSize+s.memorySize {
		return errors.Wrapf(ErrOutOfBounds, "pop move %d bytes to outside memory", n)
	}
	if n > s.stackPos {
		return errors.Wrapf(ErrStackUnderflow, "pop move %d bytes", n)
	}
	if dst+n > s.stackPos-n && dst < s.stackPos {
		return errors.Wrapf(ErrOverlappingMove, "pop move %d bytes overlaps source", n)
	}
	s.stackPos -= n
	copy(s.bytes[dst:dst+n], s.bytes[s.stackPos:s.stackPos+n])
	return nil
}

// StackReset sets stackPos directly; pos must be < stackSize.
func (s *State) StackReset(pos int) error {
	if pos >= s.stackSize {
		return errors.Wrapf(ErrStackOverflow, "resetting to position %d", pos)
	}
	s.stackPos = pos
	return nil
}

// MemoryMove copies n bytes within [0, allSize) without overlap checks.
func (s *State) MemoryMove(source, n, dest int) error {
	if source+n > s.stackSize+s.memorySize {
		return errors.Wrapf(ErrOutOfBounds, "moving %d bytes from outside memory", n)
	}
	if dest+n > s.stackSize+s.memorySize {
		return errors.Wrapf(ErrOutOfBounds, "moving %d bytes to outside memory", n)
	}
	copy(s.bytes[dest:dest+n], s.bytes[source:source+n])
	return nil
}

// StoreDataT copies v's native bytes into memory at destination.
func StoreDataT[T Atomic](s *State, destination int, v T) error {
	size := sizeOf[T]()
	if destination+size > s.stackSize+s.memorySize {
		return errors.Wrapf(ErrOutOfBounds, "storing %d bytes", size)
	}
	copy(s.bytes[destination:destination+size], toBytes(v))
	return nil
}

func (s *State) StoreBytes(destination int, v []byte) error {
	if destination+len(v) > s.stackSize+s.memorySize {
		return errors.Wrapf(ErrOutOfBounds, "storing %d bytes", len(v))
	}
	copy(s.bytes[destination:destination+len(v)], v)
	return nil
}

func LoadDataT[T Atomic](s *State, source int) (T, error) {
	var zero T
	size := sizeOf[T]()
	if source+size > s.stackSize+s.memorySize {
		return zero, errors.Wrapf(ErrOutOfBounds, "loading %d bytes", size)
	}
	return fromBytes[T](s.bytes[source : source+size]), nil
}

func (s *State) LoadBytes(source, n int) ([]byte, error) {
	if source+n > s.stackSize+s.memorySize {
		return nil, errors.Wrapf(ErrOutOfBounds, "loading %d bytes", n)
	}
	out := make([]byte, n)
	copy(out, s.bytes[source:source+n])
	return out, nil
}

// LoadBytesWhile reads starting at source until pred fails or the
// combined region ends.
func (s *State) LoadBytesWhile(source int, pred func(byte) bool) []byte {
	out := make([]byte, 0)
	for i := source; i < len(s.bytes); i++ {
		if !pred(s.bytes[i]) {
			break
		}
		out = append(out, s.bytes[i])
	}
	return out
}

// LoadBytesWhileNonZero reads a null-terminated byte run starting at source.
func (s *State) LoadBytesWhileNonZero(source int) []byte {
	return s.LoadBytesWhile(source, func(b byte) bool { return b != 0 })
}

// Map returns a read-only view of v's byte range.
func (s *State) Map(v Value) ([]byte, error) {
	if v.Address+v.Size > s.stackSize+s.memorySize {
		return nil, errors.Wrapf(ErrOutOfBounds, "mapping %d bytes", v.Size)
	}
	return s.bytes[v.Address : v.Address+v.Size], nil
}

// MapMut returns a mutable view of v's byte range.
func (s *State) MapMut(v Value) ([]byte, error) {
	if v.Address+v.Size > s.stackSize+s.memorySize {
		return nil, errors.Wrapf(ErrOutOfBounds, "mapping %d bytes", v.Size)
	}
	return s.bytes[v.Address : v.Address+v.Size], nil
}

func (s *State) MapStack() []byte  { return s.bytes[0:s.stackSize] }
func (s *State) MapMemory() []byte { return s.bytes[s.stackSize:] }
func (s *State) MapAll() []byte    { return s.bytes }

// AllocStackValue pushes n zero bytes and returns the Value.
func (s *State) AllocStackValue(n int) (Value, error) {
	address := s.stackPos
	if _, err := s.StackPushBytes(make([]byte, n)); err != nil {
		return Value{}, err
	}
	return Value{Address: address, Size: n}, nil
}

// AllocMemoryValue first-fits n bytes from the free-list. The returned
// Value's Address already includes stackSize (heap addresses are
// absolute over the combined region).
func (s *State) AllocMemoryValue(n int) (Value, error) {
	idx, offset, size := -1, 0, 0
	for i, f := range s.free {
		if n <= f.size {
			idx, offset, size = i, f.offset, f.size
			break
		}
	}
	if idx < 0 {
		return Value{}, errors.Wrapf(ErrOutOfMemory, "could not find free %d bytes", n)
	}
	if size == n {
		s.free = append(s.free[:idx], s.free[idx+1:]...)
	} else {
		s.free[idx] = freeRange{offset: offset + n, size: size - n}
	}
	return Value{Address: offset + s.stackSize, Size: n}, nil
}

// DeallocMemoryValue rejects a block that is already fully contained in a
// free entry (double free), appends it to the free-list, and coalesces.
func (s *State) DeallocMemoryValue(v Value) error {
	offset := v.Address - s.stackSize
	for _, f := range s.free {
		if offset >= f.offset && offset+v.Size <= f.offset+f.size {
			return errors.Wrapf(ErrDoubleFree, "memory block at %d is free", v.Address)
		}
	}
	s.free = append(s.free, freeRange{offset: offset, size: v.Size})
	s.defragment()
	return nil
}

func (s *State) defragment() {
	sort.Slice(s.free, func(i, j int) bool { return s.free[i].offset < s.free[j].offset })
	out := s.free[:0:0]
	for _, f := range s.free {
		if n := len(out); n > 0 && out[n-1].offset+out[n-1].size == f.offset {
			out[n-1].size += f.size
			continue
		}
		out = append(out, f)
	}
	s.free = out
}
