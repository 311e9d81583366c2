package assembly

import "kaiju/internal/wire"

// Builder assembles one already-resolved module (single module, no
// cross-module import splicing — see SPEC_FULL.md's "Encoder entry point"
// note) and serializes it to the same wire format Decode reads. It is the
// level at which a real compiler's code generator would hand off to this
// package; the asm package target this directly instead of reproducing a
// compiler's IR-to-bytecode lowering pass.
type Builder struct {
	structs         []Struct
	exportStructIDs map[string]int
	functions       []Function
	exportFnIDs     map[string]int
	bodies          []Body
	data            []Data
	ops             []string
	globalsSize     uint64
}

// NewBuilder returns a Builder pre-seeded with the twelve reserved atomic
// structs (i8, u8, i16, u16, i32, u32, i64, u64, f32, f64, isize, usize) in
// their fixed index order, matching every Assembly produced by the
// reference compiler.
func NewBuilder() *Builder {
	b := &Builder{
		exportStructIDs: map[string]int{},
		exportFnIDs:     map[string]int{},
	}
	for _, a := range []struct {
		size int
	}{{1}, {1}, {2}, {2}, {4}, {4}, {8}, {8}, {4}, {8}, {8}, {8}} {
		b.structs = append(b.structs, Struct{Index: len(b.structs), Size: a.size})
	}
	return b
}

// DefineStruct appends a user struct and returns its index. Field offsets
// are the caller's responsibility (a running sum of field sizes, no
// padding, matching spec.md's layout rule); the struct's total size is
// computed here as the sum of its field sizes.
func (b *Builder) DefineStruct(id string, fields []StructField, export bool) int {
	size := 0
	for _, f := range fields {
		size += f.Size
	}
	idx := len(b.structs)
	b.structs = append(b.structs, Struct{Index: idx, Fields: fields, Size: size, Export: export})
	if export {
		b.exportStructIDs[id] = idx
	}
	return idx
}

// DefineFunction appends a function signature and its body, returning its
// index. body is the already-assembled micro-op stream (see package asm).
func (b *Builder) DefineFunction(id string, params []Variable, returnType *Type, locals []Variable, external *ExternRef, export bool, body Body) int {
	idx := len(b.functions)
	b.functions = append(b.functions, Function{
		Index: idx, Params: params, ReturnType: returnType,
		Locals: locals, External: external, Export: export,
	})
	b.bodies = append(b.bodies, body)
	if export {
		b.exportFnIDs[id] = idx
	}
	return idx
}

// AddData appends one constant pool entry and returns its index.
func (b *Builder) AddData(d Data) int {
	idx := len(b.data)
	b.data = append(b.data, d)
	return idx
}

// SetGlobalsSize fixes the byte size of the globals block.
func (b *Builder) SetGlobalsSize(n uint64) { b.globalsSize = n }

// AddOp registers an operation name in the ops table and returns its index,
// deduplicating repeats the way the reference encoder's collect_ops does.
func (b *Builder) AddOp(name string) int {
	for i, existing := range b.ops {
		if existing == name {
			return i
		}
	}
	idx := len(b.ops)
	b.ops = append(b.ops, name)
	return idx
}

// Encode serializes the accumulated module to the version-1 wire format.
func (b *Builder) Encode() []byte {
	w := wire.NewWriter()
	w.RawBytes(Magic[:])
	w.Byte(Version1)

	writeIDTable(w, b.exportStructIDs)
	writeIDTable(w, b.exportFnIDs)
	writeStructs(w, b.structs)
	writeFunctions(w, b.functions)
	writeData(w, b.data)
	w.U64(b.globalsSize)
	writeOps(w, b.ops)
	writeBodies(w, b.bodies)

	return w.Bytes()
}

func writeIDTable(w *wire.Writer, ids map[string]int) {
	body := wire.NewWriter()
	for id, idx := range ids {
		body.U64(uint64(idx))
		body.String(id)
	}
	w.U64(uint64(body.Len()))
	w.U64(uint64(len(ids)))
	w.RawBytes(body.Bytes())
}

func writeType(w *wire.Writer, t Type) {
	switch t.Kind {
	case KindIdentifier:
		w.Byte(0)
		w.U64(uint64(t.StructIndex))
	case KindPointer:
		w.Byte(1)
		writeType(w, *t.Pointee)
	case KindTuple:
		w.Byte(2)
		w.U64(uint64(len(t.Elems)))
		for _, e := range t.Elems {
			writeType(w, e)
		}
	}
}

func writeVariable(w *wire.Writer, v Variable) {
	w.U64(uint64(v.Index))
	writeType(w, v.Type)
	w.U64(uint64(v.Size))
	if v.Offset != nil {
		w.Byte(1)
		w.U64(uint64(*v.Offset))
	} else {
		w.Byte(0)
	}
}

func writeStructField(w *wire.Writer, f StructField) {
	writeType(w, f.Type)
	w.U64(uint64(f.Offset))
	w.U64(uint64(f.Size))
}

func structBytes(s Struct) []byte {
	w := wire.NewWriter()
	w.U64(uint64(s.Index))
	w.U64(uint64(len(s.Fields)))
	for _, f := range s.Fields {
		writeStructField(w, f)
	}
	w.U64(uint64(s.Size))
	w.Bool(s.Export)
	return w.Bytes()
}

func writeStructs(w *wire.Writer, structs []Struct) {
	encoded := make([][]byte, len(structs))
	offsets := wire.NewWriter()
	offset := uint64(0)
	for i, s := range structs {
		encoded[i] = structBytes(s)
		offsets.U64(uint64(s.Index))
		offsets.U64(offset)
		offset += uint64(len(encoded[i]))
	}
	w.U64(uint64(offsets.Len()))
	w.U64(uint64(len(structs)))
	w.RawBytes(offsets.Bytes())
	for _, b := range encoded {
		w.RawBytes(b)
	}
}

func functionHeaderBytes(f Function) []byte {
	w := wire.NewWriter()
	w.U64(uint64(f.Index))
	w.U64(uint64(len(f.Params)))
	for _, p := range f.Params {
		writeVariable(w, p)
	}
	if f.ReturnType != nil {
		w.Byte(1)
		writeType(w, *f.ReturnType)
	} else {
		w.Byte(0)
	}
	w.U64(uint64(len(f.Locals)))
	for _, l := range f.Locals {
		writeVariable(w, l)
	}
	if f.External != nil {
		w.Byte(1)
		w.String(f.External.Module)
		w.String(f.External.Function)
	} else {
		w.Byte(0)
	}
	w.Bool(f.Export)
	return w.Bytes()
}

func writeFunctions(w *wire.Writer, functions []Function) {
	encoded := make([][]byte, len(functions))
	offsets := wire.NewWriter()
	offset := uint64(0)
	for i, f := range functions {
		encoded[i] = functionHeaderBytes(f)
		offsets.U64(uint64(f.Index))
		offsets.U64(offset)
		offset += uint64(len(encoded[i]))
	}
	w.U64(uint64(offsets.Len()))
	w.U64(uint64(len(functions)))
	w.RawBytes(offsets.Bytes())
	for _, b := range encoded {
		w.RawBytes(b)
	}
}

func writeData(w *wire.Writer, data []Data) {
	body := wire.NewWriter()
	for _, d := range data {
		body.Byte(byte(d.Type))
		switch d.Type {
		case DataI8:
			body.Byte(byte(d.I8))
		case DataU8:
			body.Byte(d.U8)
		case DataI16:
			body.U16(uint16(d.I16))
		case DataU16:
			body.U16(d.U16)
		case DataI32:
			body.U32(uint32(d.I32))
		case DataU32:
			body.U32(d.U32)
		case DataI64:
			body.I64(d.I64)
		case DataU64:
			body.U64(d.U64)
		case DataF32:
			body.F32(d.F32)
		case DataF64:
			body.F64(d.F64)
		case DataIsize:
			body.I64(d.Isize)
		case DataUsize:
			body.U64(d.Usize)
		case DataStringU8:
			body.String(d.Str)
		}
	}
	w.U64(uint64(body.Len()))
	w.U64(uint64(len(data)))
	w.RawBytes(body.Bytes())
}

func writeOps(w *wire.Writer, ops []string) {
	body := wire.NewWriter()
	for _, op := range ops {
		body.String(op)
	}
	w.U64(uint64(body.Len()))
	w.U64(uint64(len(ops)))
	w.RawBytes(body.Bytes())
}

func bodyBytes(b Body) []byte {
	labels := wire.NewWriter()
	for id, addr := range b.Labels {
		labels.String(id)
		labels.U64(addr)
	}
	w := wire.NewWriter()
	w.U64(uint64(labels.Len()))
	w.U64(uint64(len(b.Labels)))
	w.RawBytes(labels.Bytes())
	w.U64(uint64(len(b.Code)))
	w.U64(uint64(len(b.Code))) // op count is informational only; decode ignores it
	w.RawBytes(b.Code)
	return w.Bytes()
}

func writeBodies(w *wire.Writer, bodies []Body) {
	encoded := make([][]byte, len(bodies))
	offsets := wire.NewWriter()
	offset := uint64(0)
	for i, b := range bodies {
		encoded[i] = bodyBytes(b)
		offsets.U64(uint64(i))
		offsets.U64(offset)
		offset += uint64(len(encoded[i]))
	}
	w.U64(uint64(offsets.Len()))
	w.U64(uint64(len(bodies)))
	w.RawBytes(offsets.Bytes())
	for _, b := range encoded {
		w.U64(uint64(len(b)))
		w.RawBytes(b)
	}
}
