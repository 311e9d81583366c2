package assembly

import (
	"github.com/pkg/errors"

	"kaiju/internal/kerr"
	"kaiju/internal/wire"
)

// Magic identifies a Kaiju assembly file; the fourth byte is the format
// version. Version 1 is the only one this package understands.
var Magic = [3]byte{'K', 'J', 'P'}

const Version1 = 1

// Assembly is a decoded, ready-to-run module: resolved structs, functions,
// their bodies, the constant data pool and the operation name table a
// function body's ExecuteOpStart/Stop brackets index into.
type Assembly struct {
	exportStructs   map[string]int
	exportFunctions map[string]int
	structs         []Struct
	functions       []Function
	data            []Data
	globalsSize     int
	ops             []string
	bodies          []Body
}

// Decode parses the wire format described by spec.md §6.1.
func Decode(b []byte) (*Assembly, error) {
	r := wire.NewReader(b)
	magic, err := r.Bytes(4)
	if err != nil {
		return nil, errors.Wrap(err, "reading magic")
	}
	if magic[0] != Magic[0] || magic[1] != Magic[1] || magic[2] != Magic[2] {
		return nil, errors.Wrapf(kerr.ErrBadMagic, "got %v", magic[:3])
	}
	if magic[3] != Version1 {
		return nil, errors.Wrapf(kerr.ErrBadVersion, "got %d", magic[3])
	}
	return decodeV1(r)
}

func readIDTable(r *wire.Reader) (map[string]int, error) {
	if _, err := r.U64(); err != nil { // size in bytes, unused by a sequential reader
		return nil, errors.Wrap(err, "reading id table size")
	}
	count, err := r.U64()
	if err != nil {
		return nil, errors.Wrap(err, "reading id table count")
	}
	out := make(map[string]int, count)
	for i := uint64(0); i < count; i++ {
		index, err := r.U64()
		if err != nil {
			return nil, errors.Wrap(err, "reading id table index")
		}
		id, err := r.String()
		if err != nil {
			return nil, errors.Wrap(err, "reading id table name")
		}
		out[id] = int(index)
	}
	return out, nil
}

func readType(r *wire.Reader) (Type, error) {
	mode, err := r.Byte()
	if err != nil {
		return Type{}, errors.Wrap(err, "reading type tag")
	}
	switch mode {
	case 0:
		idx, err := r.U64()
		if err != nil {
			return Type{}, errors.Wrap(err, "reading identifier type")
		}
		return Identifier(int(idx)), nil
	case 1:
		inner, err := readType(r)
		if err != nil {
			return Type{}, errors.Wrap(err, "reading pointer type")
		}
		return Pointer(inner), nil
	case 2:
		count, err := r.U64()
		if err != nil {
			return Type{}, errors.Wrap(err, "reading tuple type count")
		}
		elems := make([]Type, count)
		for i := range elems {
			elems[i], err = readType(r)
			if err != nil {
				return Type{}, errors.Wrap(err, "reading tuple element type")
			}
		}
		return Tuple(elems), nil
	default:
		return Type{}, errors.Errorf("unsupported type tag: %d", mode)
	}
}

func readVariable(r *wire.Reader) (Variable, error) {
	index, err := r.U64()
	if err != nil {
		return Variable{}, errors.Wrap(err, "reading variable index")
	}
	typeid, err := readType(r)
	if err != nil {
		return Variable{}, err
	}
	size, err := r.U64()
	if err != nil {
		return Variable{}, errors.Wrap(err, "reading variable size")
	}
	hasOffset, err := r.Byte()
	if err != nil {
		return Variable{}, errors.Wrap(err, "reading variable offset flag")
	}
	var offset *int
	if hasOffset > 0 {
		o, err := r.U64()
		if err != nil {
			return Variable{}, errors.Wrap(err, "reading variable offset")
		}
		v := int(o)
		offset = &v
	}
	return Variable{Index: int(index), Type: typeid, Size: int(size), Offset: offset}, nil
}

func decodeV1(r *wire.Reader) (*Assembly, error) {
	exportStructs, err := readIDTable(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading export structs")
	}
	exportFunctions, err := readIDTable(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading export functions")
	}

	structs, err := decodeStructs(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading structs")
	}
	functions, err := decodeFunctions(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading functions")
	}
	data, err := decodeData(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading data pool")
	}
	globalsSize, err := r.U64()
	if err != nil {
		return nil, errors.Wrap(err, "reading globals size")
	}
	ops, err := decodeOps(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading ops table")
	}
	bodies, err := decodeBodies(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading function bodies")
	}

	return &Assembly{
		exportStructs:   exportStructs,
		exportFunctions: exportFunctions,
		structs:         structs,
		functions:       functions,
		data:            data,
		globalsSize:     int(globalsSize),
		ops:             ops,
		bodies:          bodies,
	}, nil
}

func decodeStructs(r *wire.Reader) ([]Struct, error) {
	size, err := r.I64()
	if err != nil {
		return nil, err
	}
	count, err := r.U64()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(size); err != nil {
		return nil, err
	}
	out := make([]Struct, count)
	for i := range out {
		index, err := r.U64()
		if err != nil {
			return nil, errors.Wrap(err, "reading struct index")
		}
		fieldCount, err := r.U64()
		if err != nil {
			return nil, errors.Wrap(err, "reading struct field count")
		}
		fields := make([]StructField, fieldCount)
		for j := range fields {
			typeid, err := readType(r)
			if err != nil {
				return nil, err
			}
			offset, err := r.U64()
			if err != nil {
				return nil, errors.Wrap(err, "reading struct field offset")
			}
			size, err := r.U64()
			if err != nil {
				return nil, errors.Wrap(err, "reading struct field size")
			}
			fields[j] = StructField{Type: typeid, Offset: int(offset), Size: int(size)}
		}
		size, err := r.U64()
		if err != nil {
			return nil, errors.Wrap(err, "reading struct size")
		}
		export, err := r.Byte()
		if err != nil {
			return nil, errors.Wrap(err, "reading struct export flag")
		}
		out[i] = Struct{Index: int(index), Fields: fields, Size: int(size), Export: export > 0}
	}
	return out, nil
}

func decodeFunctions(r *wire.Reader) ([]Function, error) {
	size, err := r.I64()
	if err != nil {
		return nil, err
	}
	count, err := r.U64()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(size); err != nil {
		return nil, err
	}
	out := make([]Function, count)
	for i := range out {
		index, err := r.U64()
		if err != nil {
			return nil, errors.Wrap(err, "reading function index")
		}
		paramCount, err := r.U64()
		if err != nil {
			return nil, errors.Wrap(err, "reading function param count")
		}
		params := make([]Variable, paramCount)
		for j := range params {
			params[j], err = readVariable(r)
			if err != nil {
				return nil, err
			}
		}
		hasReturn, err := r.Byte()
		if err != nil {
			return nil, errors.Wrap(err, "reading function return flag")
		}
		var returnType *Type
		if hasReturn > 0 {
			t, err := readType(r)
			if err != nil {
				return nil, err
			}
			returnType = &t
		}
		localCount, err := r.U64()
		if err != nil {
			return nil, errors.Wrap(err, "reading function local count")
		}
		locals := make([]Variable, localCount)
		for j := range locals {
			locals[j], err = readVariable(r)
			if err != nil {
				return nil, err
			}
		}
		hasExternal, err := r.Byte()
		if err != nil {
			return nil, errors.Wrap(err, "reading function external flag")
		}
		var external *ExternRef
		if hasExternal > 0 {
			module, err := r.String()
			if err != nil {
				return nil, err
			}
			fn, err := r.String()
			if err != nil {
				return nil, err
			}
			external = &ExternRef{Module: module, Function: fn}
		}
		export, err := r.Byte()
		if err != nil {
			return nil, errors.Wrap(err, "reading function export flag")
		}
		out[i] = Function{
			Index: int(index), Params: params, ReturnType: returnType,
			Locals: locals, External: external, Export: export > 0,
		}
	}
	return out, nil
}

func decodeData(r *wire.Reader) ([]Data, error) {
	if _, err := r.U64(); err != nil { // total byte size, unused
		return nil, err
	}
	count, err := r.U64()
	if err != nil {
		return nil, err
	}
	out := make([]Data, 0, count)
	for i := uint64(0); i < count; i++ {
		tagByte, err := r.Byte()
		if err != nil {
			return nil, errors.Wrap(err, "reading data tag")
		}
		tag, err := DataTypeFromByte(tagByte)
		if err != nil {
			return nil, err
		}
		var d Data
		d.Type = tag
		switch tag {
		case DataUnknown:
			// No payload; matches the reference decoder, which silently
			// skips this tag rather than pushing an entry.
			continue
		case DataI8:
			b, err := r.Byte()
			d.I8 = int8(b)
			if err != nil {
				return nil, err
			}
		case DataU8:
			b, err := r.Byte()
			d.U8 = b
			if err != nil {
				return nil, err
			}
		case DataI16:
			v, err := r.U16()
			if err != nil {
				return nil, err
			}
			d.I16 = int16(v)
		case DataU16:
			v, err := r.U16()
			if err != nil {
				return nil, err
			}
			d.U16 = v
		case DataI32:
			v, err := r.U32()
			if err != nil {
				return nil, err
			}
			d.I32 = int32(v)
		case DataU32:
			v, err := r.U32()
			if err != nil {
				return nil, err
			}
			d.U32 = v
		case DataI64:
			v, err := r.I64()
			if err != nil {
				return nil, err
			}
			d.I64 = v
		case DataU64:
			v, err := r.U64()
			if err != nil {
				return nil, err
			}
			d.U64 = v
		case DataF32:
			v, err := r.F32()
			if err != nil {
				return nil, err
			}
			d.F32 = v
		case DataF64:
			v, err := r.F64()
			if err != nil {
				return nil, err
			}
			d.F64 = v
		case DataIsize:
			v, err := r.I64()
			if err != nil {
				return nil, err
			}
			d.Isize = v
		case DataUsize:
			v, err := r.U64()
			if err != nil {
				return nil, err
			}
			d.Usize = v
		case DataStringU8:
			v, err := r.String()
			if err != nil {
				return nil, err
			}
			d.Str = v
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeOps(r *wire.Reader) ([]string, error) {
	if _, err := r.U64(); err != nil { // byte size, unused
		return nil, err
	}
	count, err := r.U64()
	if err != nil {
		return nil, err
	}
	out := make([]string, count)
	for i := range out {
		out[i], err = r.String()
		if err != nil {
			return nil, errors.Wrap(err, "reading op name")
		}
	}
	return out, nil
}

func decodeBodies(r *wire.Reader) ([]Body, error) {
	size, err := r.I64()
	if err != nil {
		return nil, err
	}
	count, err := r.U64()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(size); err != nil {
		return nil, err
	}
	out := make([]Body, count)
	for i := range out {
		if _, err := r.U64(); err != nil { // whole-body byte size, unused
			return nil, err
		}
		labels, err := decodeLabels(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading body labels")
		}
		code, err := decodeCode(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading body code")
		}
		out[i] = Body{Labels: labels, Code: code}
	}
	return out, nil
}

func decodeLabels(r *wire.Reader) (map[string]uint64, error) {
	if _, err := r.U64(); err != nil { // byte size, unused
		return nil, err
	}
	count, err := r.U64()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, count)
	for i := uint64(0); i < count; i++ {
		id, err := r.String()
		if err != nil {
			return nil, err
		}
		addr, err := r.U64()
		if err != nil {
			return nil, err
		}
		out[id] = addr
	}
	return out, nil
}

func decodeCode(r *wire.Reader) ([]byte, error) {
	size, err := r.U64()
	if err != nil {
		return nil, err
	}
	if _, err := r.U64(); err != nil { // op count, informational only
		return nil, err
	}
	return r.Bytes(int(size))
}

func (a *Assembly) Data() []Data       { return a.data }
func (a *Assembly) GlobalsSize() int   { return a.globalsSize }
func (a *Assembly) OpsMap() []string   { return a.ops }
func (a *Assembly) Structs() []Struct  { return a.structs }
func (a *Assembly) Functions() []Function { return a.functions }

func (a *Assembly) StructByID(id string) (*Struct, bool) {
	i, ok := a.exportStructs[id]
	if !ok {
		return nil, false
	}
	return a.StructByIndex(i)
}

func (a *Assembly) StructByIndex(index int) (*Struct, bool) {
	if index < 0 || index >= len(a.structs) {
		return nil, false
	}
	return &a.structs[index], true
}

func (a *Assembly) FunctionByID(id string) (*Function, bool) {
	i, ok := a.exportFunctions[id]
	if !ok {
		return nil, false
	}
	return a.FunctionByIndex(i)
}

func (a *Assembly) FunctionByIndex(index int) (*Function, bool) {
	if index < 0 || index >= len(a.functions) {
		return nil, false
	}
	return &a.functions[index], true
}

func (a *Assembly) FunctionBodyByID(id string) (*Body, bool) {
	i, ok := a.exportFunctions[id]
	if !ok {
		return nil, false
	}
	return a.FunctionBodyByIndex(i)
}

func (a *Assembly) FunctionBodyByIndex(index int) (*Body, bool) {
	if index < 0 || index >= len(a.bodies) {
		return nil, false
	}
	return &a.bodies[index], true
}

// TypeSize resolves a Type's size in bytes: a struct's declared size, a
// pointer's host word size, or a tuple's packed sum of its elements.
func (a *Assembly) TypeSize(t Type) int {
	switch t.Kind {
	case KindIdentifier:
		if s, ok := a.StructByIndex(t.StructIndex); ok {
			return s.Size
		}
		return 0
	case KindPointer:
		return wordSize
	case KindTuple:
		total := 0
		for _, e := range t.Elems {
			total += a.TypeSize(e)
		}
		return total
	}
	return 0
}

const wordSize = 8
