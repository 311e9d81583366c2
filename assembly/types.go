// Package assembly implements the Kaiju binary assembly format: the wire
// encoding a compiler front end emits and the VM loads, plus a Builder that
// lets a caller assemble one already-resolved module directly (standing in
// for the compiler's module-resolution pass, which is out of scope here).
package assembly

import "github.com/pkg/errors"

// OpIndex names one of the VM's sixteen micro-operations. OpIndexFromByte
// rejects values outside this range, and the VM stops with that error when
// it reaches such a byte, never treating it as a silently-ignored no-op.
// Decode keeps function bodies as raw bytes and does not check their tags.
type OpIndex uint8

const (
	NoOp OpIndex = iota
	DataPointer
	ParamsPointer
	ResultPointer
	LocalsPointer
	GlobalsPointer
	OffsetPointer
	ReferencePointer
	DereferencePointer
	StoreTargetAddress
	StoreParamAddress
	ExecuteOpStart
	ExecuteOpStop
	ExecuteOpInlineStart
	ExecuteOpInlineStop
	ProduceTuple
	CallFunction
	opIndexCount
)

var opIndexNames = [...]string{
	"NoOp", "DataPointer", "ParamsPointer", "ResultPointer", "LocalsPointer",
	"GlobalsPointer", "OffsetPointer", "ReferencePointer", "DereferencePointer",
	"StoreTargetAddress", "StoreParamAddress", "ExecuteOpStart", "ExecuteOpStop",
	"ExecuteOpInlineStart", "ExecuteOpInlineStop", "ProduceTuple", "CallFunction",
}

func (o OpIndex) String() string {
	if int(o) < len(opIndexNames) {
		return opIndexNames[o]
	}
	return "Unknown"
}

// OpIndexFromByte decodes a micro-op tag, failing on any value the VM
// version in this repository does not know about.
func OpIndexFromByte(b byte) (OpIndex, error) {
	if OpIndex(b) >= opIndexCount {
		return 0, errors.Errorf("unsupported op index: %d", b)
	}
	return OpIndex(b), nil
}

// DataType tags one atomic value kind a data-pool entry can hold.
type DataType uint8

const (
	DataUnknown DataType = iota
	DataI8
	DataU8
	DataI16
	DataU16
	DataI32
	DataU32
	DataI64
	DataU64
	DataF32
	DataF64
	DataIsize
	DataUsize
	DataStringU8
	dataTypeCount
)

func DataTypeFromByte(b byte) (DataType, error) {
	if DataType(b) >= dataTypeCount {
		return 0, errors.Errorf("unsupported data type: %d", b)
	}
	return DataType(b), nil
}

// The twelve reserved atomic struct indices, in the fixed order every
// Assembly prepends them in before any user-declared struct.
const (
	StructI8 = iota
	StructU8
	StructI16
	StructU16
	StructI32
	StructU32
	StructI64
	StructU64
	StructF32
	StructF64
	StructIsize
	StructUsize
	reservedStructCount
)

// WildcardStruct is a struct index that never occurs on the wire; op
// signature checking treats it as matching any Type, both directions (the
// "?" wildcard identifier from the original op-rule typing rules).
const WildcardStruct = -1

// TypeKind discriminates the three-way Type sum.
type TypeKind uint8

const (
	KindIdentifier TypeKind = iota
	KindPointer
	KindTuple
)

// Type is Identifier(struct index) | Pointer(Type) | Tuple([Type]).
type Type struct {
	Kind        TypeKind
	StructIndex int   // valid when Kind == KindIdentifier
	Pointee     *Type // valid when Kind == KindPointer
	Elems       []Type // valid when Kind == KindTuple
}

func Identifier(structIndex int) Type { return Type{Kind: KindIdentifier, StructIndex: structIndex} }
func Pointer(to Type) Type            { return Type{Kind: KindPointer, Pointee: &to} }
func Tuple(elems []Type) Type         { return Type{Kind: KindTuple, Elems: elems} }

// Equal reports whether t and other describe the same type, with
// WildcardStruct identifiers matching any Type on either side.
func (t Type) Equal(other Type) bool {
	if t.Kind == KindIdentifier && t.StructIndex == WildcardStruct {
		return true
	}
	if other.Kind == KindIdentifier && other.StructIndex == WildcardStruct {
		return true
	}
	if t.Kind != other.Kind {
		return false
	}
	switch t.Kind {
	case KindIdentifier:
		return t.StructIndex == other.StructIndex
	case KindPointer:
		return t.Pointee.Equal(*other.Pointee)
	case KindTuple:
		if len(t.Elems) != len(other.Elems) {
			return false
		}
		for i := range t.Elems {
			if !t.Elems[i].Equal(other.Elems[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Variable names one parameter, local, or global slot.
type Variable struct {
	Index  int
	Type   Type
	Size   int
	Offset *int // nil when the slot has no fixed storage offset
}

// StructField is one member of a Struct, with its byte offset and size
// already resolved (no padding: offsets are a running sum of field sizes).
type StructField struct {
	Type   Type
	Offset int
	Size   int
}

// Struct is a layout: a flat list of fields plus total size.
type Struct struct {
	Index  int
	Fields []StructField
	Size   int
	Export bool
}

// ExternRef names the module and function an external function resolves to.
type ExternRef struct {
	Module   string
	Function string
}

// Function is a signature: parameters, optional return type, locals, and
// whether it is implemented by this module or an external one.
type Function struct {
	Index      int
	Params     []Variable
	ReturnType *Type // nil means no return value
	Locals     []Variable
	External   *ExternRef
	Export     bool
}

// Body is a function's compiled code: a label name -> byte offset map and
// the micro-op byte stream itself.
type Body struct {
	Labels map[string]uint64
	Code   []byte
}

// Data is one entry in a module's constant pool. Represented as a tagged
// struct (rather than an interface per variant) because every entry is
// decoded and re-encoded by the same tag switch; a flat struct keeps that
// switch in one place instead of scattered across concrete types.
type Data struct {
	Type  DataType
	I8    int8
	U8    uint8
	I16   int16
	U16   uint16
	I32   int32
	U32   uint32
	I64   int64
	U64   uint64
	F32   float32
	F64   float64
	Isize int64
	Usize uint64
	Str   string
}
