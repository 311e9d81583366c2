// Package asm is a tiny human-readable assembler for the Kaiju micro-op
// stream: it turns line-based source text into assembly.Builder calls,
// standing in for the real compiler front end (out of scope per the
// binary format this repo loads). It follows the teacher's
// vm/compile.go line-preprocessing style — comment stripping, label
// lines, quoted-string/escape-sequence handling — but targets named
// Processor operations and the pointer-stack micro-op bracket instead
// of a flat Instruction stream, and resolves labels at VM runtime
// (vm.FindLabel) rather than substituting numeric addresses at
// assemble time, since that is how this ISA's labels actually work.
package asm

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"kaiju/assembly"
	"kaiju/internal/wire"
)

// comments strips a trailing // comment the same way the teacher's
// vm/compile.go does.
var comments = regexp.MustCompile(`//.*`)

var escapeSeqReplacements = map[string]string{
	`\a`: "\a", `\b`: "\b", `\t`: "\t", `\n`: "\n",
	`\r`: "\r", `\f`: "\f", `\v`: "\v", `\"`: "\"",
}

func unescape(s string) string {
	for orig, replace := range escapeSeqReplacements {
		s = strings.ReplaceAll(s, orig, replace)
	}
	return s
}

const wordSize = 8 // must match assembly.wordSize / vm.wordSize

var atomicStructs = map[string]int{
	"i8": assembly.StructI8, "u8": assembly.StructU8,
	"i16": assembly.StructI16, "u16": assembly.StructU16,
	"i32": assembly.StructI32, "u32": assembly.StructU32,
	"i64": assembly.StructI64, "u64": assembly.StructU64,
	"f32": assembly.StructF32, "f64": assembly.StructF64,
	"isize": assembly.StructIsize, "usize": assembly.StructUsize,
}

var atomicSizes = map[string]int{
	"i8": 1, "u8": 1, "i16": 2, "u16": 2, "i32": 4, "u32": 4,
	"i64": 8, "u64": 8, "f32": 4, "f64": 8, "isize": 8, "usize": 8,
}

// funcBuilder accumulates one in-progress function block between "func"
// and "endfunc".
type funcBuilder struct {
	name       string
	export     bool
	returnType *assembly.Type
	external   *assembly.ExternRef

	params      []assembly.Variable
	paramOffset map[string]int
	paramsSize  int

	locals      []assembly.Variable
	localOffset map[string]int
	localsSize  int

	labels map[string]uint64
	code   *wire.Writer
}

// Assembler turns source lines into assembly.Builder calls.
type Assembler struct {
	b *assembly.Builder

	dataOffset map[string]int
	dataNext   int

	structIndex map[string]int
	structSize  map[string]int

	cur *funcBuilder
}

// New returns an Assembler ready to Assemble source into its Builder.
func New() *Assembler {
	return &Assembler{
		b:           assembly.NewBuilder(),
		dataOffset:  make(map[string]int),
		structIndex: make(map[string]int),
		structSize:  make(map[string]int),
	}
}

// Builder returns the underlying assembly.Builder, populated by every
// Assemble call so far.
func (a *Assembler) Builder() *assembly.Builder { return a.b }

// Encode assembles nothing further and just encodes the current Builder
// state to wire bytes.
func (a *Assembler) Encode() []byte { return a.b.Encode() }

// AssembleFile reads path line by line and assembles it.
func (a *Assembler) AssembleFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	return a.AssembleLines(lines)
}

// AssembleSource assembles a newline-separated source string.
func (a *Assembler) AssembleSource(src string) error {
	return a.AssembleLines(strings.Split(src, "\n"))
}

// AssembleLines assembles preprocessed or raw source lines in order.
func (a *Assembler) AssembleLines(lines []string) error {
	for _, raw := range lines {
		line := strings.TrimSpace(comments.ReplaceAllString(raw, ""))
		if line == "" {
			continue
		}
		if err := a.parseLine(line); err != nil {
			return errors.Wrapf(err, "assembling line %q", raw)
		}
	}
	if a.cur != nil {
		return errors.Errorf("unterminated func block: %s", a.cur.name)
	}
	return nil
}

func (a *Assembler) parseLine(line string) error {
	if a.cur != nil {
		return a.parseFuncLine(line)
	}
	switch {
	case line == "endfunc":
		return errors.New("endfunc without a matching func")
	case strings.HasPrefix(line, "struct "):
		return a.parseStruct(strings.Fields(line)[1:])
	case strings.HasPrefix(line, "op "):
		a.b.AddOp(strings.Fields(line)[1])
		return nil
	case strings.HasPrefix(line, "globals "):
		n, err := strconv.ParseUint(strings.Fields(line)[1], 10, 64)
		if err != nil {
			return errors.Wrap(err, "parsing globals size")
		}
		a.b.SetGlobalsSize(n)
		return nil
	case strings.HasPrefix(line, "data."):
		fields := strings.Fields(line)
		typ := strings.TrimPrefix(fields[0], "data.")
		return a.parseData(typ, fields[1:], line)
	case strings.HasPrefix(line, "func "):
		return a.parseFuncHeader(strings.Fields(line)[1:])
	default:
		return errors.Errorf("unknown top-level directive: %s", line)
	}
}

func (a *Assembler) parseStruct(fields []string) error {
	if len(fields) < 1 {
		return errors.New("struct needs a name")
	}
	name := fields[0]
	rest := fields[1:]
	export := false
	if len(rest) > 0 && rest[0] == "export" {
		export = true
		rest = rest[1:]
	}
	structFields := make([]assembly.StructField, 0, len(rest))
	offset := 0
	for _, tok := range rest {
		t, size, err := a.typeFromToken(tok)
		if err != nil {
			return err
		}
		structFields = append(structFields, assembly.StructField{Type: t, Offset: offset, Size: size})
		offset += size
	}
	idx := a.b.DefineStruct(name, structFields, export)
	a.structIndex[name] = idx
	a.structSize[name] = offset
	return nil
}

func (a *Assembler) typeFromToken(tok string) (assembly.Type, int, error) {
	if strings.HasPrefix(tok, "ptr<") && strings.HasSuffix(tok, ">") {
		inner := tok[len("ptr<") : len(tok)-1]
		t, _, err := a.typeFromToken(inner)
		if err != nil {
			return assembly.Type{}, 0, err
		}
		return assembly.Pointer(t), wordSize, nil
	}
	if idx, ok := atomicStructs[tok]; ok {
		return assembly.Identifier(idx), atomicSizes[tok], nil
	}
	if idx, ok := a.structIndex[tok]; ok {
		return assembly.Identifier(idx), a.structSize[tok], nil
	}
	return assembly.Type{}, 0, errors.Errorf("unknown type: %s", tok)
}

// dataEntrySize mirrors vm.allocOneData's allocation size for each data
// kind, so DataPointer offsets computed here land on the same addresses
// the VM allocates at Start.
func dataEntrySize(d assembly.Data) int {
	switch d.Type {
	case assembly.DataI8, assembly.DataU8:
		return 1
	case assembly.DataI16, assembly.DataU16:
		return 2
	case assembly.DataI32, assembly.DataU32, assembly.DataF32:
		return 4
	case assembly.DataI64, assembly.DataU64, assembly.DataF64, assembly.DataIsize, assembly.DataUsize:
		return 8
	case assembly.DataStringU8:
		return len(d.Str) + 1 + wordSize
	default:
		return 0
	}
}

func (a *Assembler) parseData(typ string, fields []string, line string) error {
	if len(fields) < 2 {
		return errors.Errorf("data.%s needs a name and a value", typ)
	}
	name := fields[0]
	var d assembly.Data
	switch typ {
	case "str":
		start := strings.Index(line, `"`)
		end := strings.LastIndex(line, `"`)
		if start < 0 || end <= start {
			return errors.Errorf("expected a quoted string: %s", line)
		}
		d = assembly.Data{Type: assembly.DataStringU8, Str: unescape(line[start+1 : end])}
	default:
		valueTok := fields[1]
		var err error
		switch typ {
		case "i8":
			v, e := strconv.ParseInt(valueTok, 0, 8)
			d, err = assembly.Data{Type: assembly.DataI8, I8: int8(v)}, e
		case "u8":
			v, e := strconv.ParseUint(valueTok, 0, 8)
			d, err = assembly.Data{Type: assembly.DataU8, U8: uint8(v)}, e
		case "i16":
			v, e := strconv.ParseInt(valueTok, 0, 16)
			d, err = assembly.Data{Type: assembly.DataI16, I16: int16(v)}, e
		case "u16":
			v, e := strconv.ParseUint(valueTok, 0, 16)
			d, err = assembly.Data{Type: assembly.DataU16, U16: uint16(v)}, e
		case "i32":
			v, e := strconv.ParseInt(valueTok, 0, 32)
			d, err = assembly.Data{Type: assembly.DataI32, I32: int32(v)}, e
		case "u32":
			v, e := strconv.ParseUint(valueTok, 0, 32)
			d, err = assembly.Data{Type: assembly.DataU32, U32: uint32(v)}, e
		case "i64":
			v, e := strconv.ParseInt(valueTok, 0, 64)
			d, err = assembly.Data{Type: assembly.DataI64, I64: v}, e
		case "u64":
			v, e := strconv.ParseUint(valueTok, 0, 64)
			d, err = assembly.Data{Type: assembly.DataU64, U64: v}, e
		case "isize":
			v, e := strconv.ParseInt(valueTok, 0, 64)
			d, err = assembly.Data{Type: assembly.DataIsize, Isize: v}, e
		case "usize":
			v, e := strconv.ParseUint(valueTok, 0, 64)
			d, err = assembly.Data{Type: assembly.DataUsize, Usize: v}, e
		case "f32":
			v, e := strconv.ParseFloat(valueTok, 32)
			d, err = assembly.Data{Type: assembly.DataF32, F32: float32(v)}, e
		case "f64":
			v, e := strconv.ParseFloat(valueTok, 64)
			d, err = assembly.Data{Type: assembly.DataF64, F64: v}, e
		default:
			return errors.Errorf("unknown data type: %s", typ)
		}
		if err != nil {
			return errors.Wrapf(err, "parsing data.%s value", typ)
		}
	}
	a.b.AddData(d)
	a.dataOffset[name] = a.dataNext
	a.dataNext += dataEntrySize(d)
	return nil
}

func (a *Assembler) parseFuncHeader(fields []string) error {
	if len(fields) < 1 {
		return errors.New("func needs a name")
	}
	f := &funcBuilder{
		name:        fields[0],
		paramOffset: make(map[string]int),
		localOffset: make(map[string]int),
		labels:      make(map[string]uint64),
		code:        wire.NewWriter(),
	}
	i := 1
	if i < len(fields) && fields[i] == "export" {
		f.export = true
		i++
	}
	if i < len(fields) && fields[i] == "->" {
		i++
		if i >= len(fields) {
			return errors.New("func -> needs a return type")
		}
		t, _, err := a.typeFromToken(fields[i])
		if err != nil {
			return err
		}
		f.returnType = &t
		i++
	}
	a.cur = f
	return nil
}

func (a *Assembler) parseFuncLine(line string) error {
	if line == "endfunc" {
		return a.finalizeFunc()
	}
	fields := strings.Fields(line)
	switch {
	case strings.HasSuffix(line, ":") && len(fields) == 1:
		label := strings.TrimSuffix(line, ":")
		a.cur.labels[label] = uint64(a.cur.code.Len())
		return nil
	case fields[0] == "param":
		return a.parseParamOrLocal(fields, true)
	case fields[0] == "local":
		return a.parseParamOrLocal(fields, false)
	case fields[0] == "extern":
		if len(fields) != 3 {
			return errors.New("extern needs a module and a function name")
		}
		a.cur.external = &assembly.ExternRef{Module: fields[1], Function: fields[2]}
		return nil
	case fields[0] == "goto":
		if len(fields) != 2 {
			return errors.New("goto needs exactly one label")
		}
		return a.emitGoto(fields[1])
	case fields[0] == "ret" && len(fields) == 1:
		a.emitBareCall("ret")
		return nil
	case fields[0] == "halt" && len(fields) == 1:
		a.emitBareCall("halt")
		return nil
	case fields[0] == "call":
		return a.parseCall(line)
	case fields[0] == "inlinecall":
		return a.parseInlineCall(fields[1:])
	default:
		return errors.Errorf("unknown instruction: %s", line)
	}
}

func (a *Assembler) parseParamOrLocal(fields []string, isParam bool) error {
	if len(fields) != 3 {
		return errors.New("expected: param|local NAME TYPE")
	}
	name, typeTok := fields[1], fields[2]
	t, size, err := a.typeFromToken(typeTok)
	if err != nil {
		return err
	}
	if isParam {
		idx := len(a.cur.params)
		a.cur.paramOffset[name] = a.cur.paramsSize
		a.cur.params = append(a.cur.params, assembly.Variable{Index: idx, Type: t, Size: size})
		a.cur.paramsSize += size
	} else {
		idx := len(a.cur.locals)
		a.cur.localOffset[name] = a.cur.localsSize
		a.cur.locals = append(a.cur.locals, assembly.Variable{Index: idx, Type: t, Size: size})
		a.cur.localsSize += size
	}
	return nil
}

// emitOperand appends the micro-ops that push one address onto the
// pointer stack for tok, or emits nothing for the "$" pseudo-operand,
// which means "whatever address is already on top of the pointer
// stack" — the natural way to consume an ExecuteOpInlineStop result
// without a named storage slot to copy it into.
func (a *Assembler) emitOperand(tok string) error {
	if tok == "$" {
		return nil
	}
	c := a.cur.code
	switch {
	case strings.HasPrefix(tok, "#"):
		name := tok[1:]
		off, ok := a.dataOffset[name]
		if !ok {
			return errors.Errorf("unknown data constant #%s", name)
		}
		c.Byte(byte(assembly.DataPointer))
		c.U64(uint64(off))
	case strings.HasPrefix(tok, "param."):
		name := tok[len("param."):]
		off, ok := a.cur.paramOffset[name]
		if !ok {
			return errors.Errorf("unknown param %s", name)
		}
		c.Byte(byte(assembly.ParamsPointer))
		c.U64(uint64(off))
	case strings.HasPrefix(tok, "local."):
		name := tok[len("local."):]
		off, ok := a.cur.localOffset[name]
		if !ok {
			return errors.Errorf("unknown local %s", name)
		}
		c.Byte(byte(assembly.LocalsPointer))
		c.U64(uint64(off))
	case tok == "result":
		c.Byte(byte(assembly.ResultPointer))
	case strings.HasPrefix(tok, "global."):
		off, err := strconv.ParseUint(tok[len("global."):], 10, 64)
		if err != nil {
			return errors.Wrap(err, "parsing global offset")
		}
		c.Byte(byte(assembly.GlobalsPointer))
		c.U64(off)
	default:
		return errors.Errorf("unrecognized operand: %s", tok)
	}
	return nil
}

// parseCall handles: call OP operand... -> target...
func (a *Assembler) parseCall(line string) error {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "call"))
	parts := strings.SplitN(rest, "->", 2)
	left := strings.Fields(parts[0])
	if len(left) == 0 {
		return errors.New("call needs an operation name")
	}
	opName := left[0]
	operands := left[1:]
	var targets []string
	if len(parts) == 2 {
		targets = strings.Fields(parts[1])
	}
	for _, tok := range operands {
		if err := a.emitOperand(tok); err != nil {
			return err
		}
		a.cur.code.Byte(byte(assembly.StoreParamAddress))
	}
	for _, tok := range targets {
		if err := a.emitOperand(tok); err != nil {
			return err
		}
		a.cur.code.Byte(byte(assembly.StoreTargetAddress))
	}
	opIdx := a.b.AddOp(opName)
	a.cur.code.Byte(byte(assembly.ExecuteOpStart))
	a.cur.code.Byte(byte(assembly.ExecuteOpStop))
	a.cur.code.U64(uint64(opIdx))
	return nil
}

// parseInlineCall handles: inlinecall OP SIZE operand...
func (a *Assembler) parseInlineCall(fields []string) error {
	if len(fields) < 2 {
		return errors.New("expected: inlinecall OP SIZE operand...")
	}
	opName := fields[0]
	size, err := strconv.Atoi(fields[1])
	if err != nil {
		return errors.Wrap(err, "parsing inline result size")
	}
	a.cur.code.Byte(byte(assembly.ExecuteOpInlineStart))
	for _, tok := range fields[2:] {
		if err := a.emitOperand(tok); err != nil {
			return err
		}
		a.cur.code.Byte(byte(assembly.StoreParamAddress))
	}
	opIdx := a.b.AddOp(opName)
	a.cur.code.Byte(byte(assembly.ExecuteOpInlineStop))
	a.cur.code.U64(uint64(opIdx))
	a.cur.code.U64(uint64(size))
	return nil
}

// emitGoto interns label as a data-pool string constant (once) and emits
// a regular "goto" call taking that constant as its one operand, the
// convention ops.Registry's "goto" handler expects.
func (a *Assembler) emitGoto(label string) error {
	constName := "__label_" + label
	if _, ok := a.dataOffset[constName]; !ok {
		d := assembly.Data{Type: assembly.DataStringU8, Str: label}
		a.b.AddData(d)
		a.dataOffset[constName] = a.dataNext
		a.dataNext += dataEntrySize(d)
	}
	a.cur.code.Byte(byte(assembly.DataPointer))
	a.cur.code.U64(uint64(a.dataOffset[constName]))
	a.cur.code.Byte(byte(assembly.StoreParamAddress))
	a.emitBareCallWithParams("goto")
	return nil
}

func (a *Assembler) emitBareCall(name string) {
	opIdx := a.b.AddOp(name)
	a.cur.code.Byte(byte(assembly.ExecuteOpStart))
	a.cur.code.Byte(byte(assembly.ExecuteOpStop))
	a.cur.code.U64(uint64(opIdx))
}

// emitBareCallWithParams is emitBareCall for an op whose params were
// already pushed and StoreParamAddress'd by the caller.
func (a *Assembler) emitBareCallWithParams(name string) {
	a.emitBareCall(name)
}

func (a *Assembler) finalizeFunc() error {
	f := a.cur
	body := assembly.Body{Labels: f.labels, Code: f.code.Bytes()}
	a.b.DefineFunction(f.name, f.params, f.returnType, f.locals, f.external, f.export, body)
	a.cur = nil
	return nil
}
