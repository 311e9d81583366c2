package assembly

import "testing"

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func buildSample() *Builder {
	b := NewBuilder()
	b.DefineStruct("Point", []StructField{
		{Type: Identifier(StructI32), Offset: 0, Size: 4},
		{Type: Identifier(StructI32), Offset: 4, Size: 4},
	}, true)

	b.AddOp("add")
	b.AddOp("ret")

	body := Body{
		Labels: map[string]uint64{"entry": 0},
		Code:   []byte{byte(NoOp)},
	}
	b.DefineFunction("main", nil, nil, nil, nil, true, body)

	b.AddData(Data{Type: DataI32, I32: 42})
	b.AddData(Data{Type: DataStringU8, Str: "hello"})
	b.SetGlobalsSize(8)
	return b
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := buildSample()
	bytes := b.Encode()

	a, err := Decode(bytes)
	assert(t, err == nil, "decode failed: %v", err)

	assert(t, a.GlobalsSize() == 8, "expected globals size 8, got %d", a.GlobalsSize())

	s, ok := a.StructByID("Point")
	assert(t, ok, "expected exported struct Point")
	assert(t, s.Size == 8, "expected Point size 8, got %d", s.Size)
	assert(t, len(s.Fields) == 2, "expected 2 fields, got %d", len(s.Fields))
	assert(t, s.Fields[1].Offset == 4, "expected field offset 4, got %d", s.Fields[1].Offset)

	f, ok := a.FunctionByID("main")
	assert(t, ok, "expected exported function main")
	assert(t, f.Export, "expected main to be marked exported")

	body, ok := a.FunctionBodyByID("main")
	assert(t, ok, "expected body for main")
	assert(t, len(body.Code) == 1 && body.Code[0] == byte(NoOp), "unexpected body code: %v", body.Code)
	assert(t, body.Labels["entry"] == 0, "expected label entry at 0")

	data := a.Data()
	assert(t, len(data) == 2, "expected 2 data entries, got %d", len(data))
	assert(t, data[0].Type == DataI32 && data[0].I32 == 42, "unexpected data[0]: %+v", data[0])
	assert(t, data[1].Type == DataStringU8 && data[1].Str == "hello", "unexpected data[1]: %+v", data[1])

	ops := a.OpsMap()
	assert(t, len(ops) == 2 && ops[0] == "add" && ops[1] == "ret", "unexpected ops table: %v", ops)
}

func TestTypeSize(t *testing.T) {
	b := NewBuilder()
	pointID := b.DefineStruct("Point", []StructField{
		{Type: Identifier(StructI32), Offset: 0, Size: 4},
		{Type: Identifier(StructI32), Offset: 4, Size: 4},
	}, true)
	body := Body{Labels: map[string]uint64{}, Code: []byte{byte(NoOp)}}
	b.DefineFunction("main", nil, nil, nil, nil, true, body)
	a, err := Decode(b.Encode())
	assert(t, err == nil, "decode failed: %v", err)

	assert(t, a.TypeSize(Identifier(StructI32)) == 4, "expected i32 size 4")
	assert(t, a.TypeSize(Identifier(pointID)) == 8, "expected Point size 8")
	assert(t, a.TypeSize(Pointer(Identifier(StructI8))) == wordSize, "expected pointer size %d", wordSize)
	assert(t, a.TypeSize(Tuple([]Type{Identifier(StructI32), Identifier(StructI64)})) == 12,
		"expected tuple size 12 (4+8)")
}

func TestWildcardTypeEquality(t *testing.T) {
	wildcard := Identifier(WildcardStruct)
	concrete := Pointer(Identifier(StructU8))
	assert(t, wildcard.Equal(concrete), "expected wildcard to match any type")
	assert(t, concrete.Equal(wildcard), "expected wildcard match to be symmetric")
	assert(t, !Identifier(StructI32).Equal(Identifier(StructU32)), "expected distinct structs to differ")
}

func TestUnknownOpIndexIsFatal(t *testing.T) {
	_, err := OpIndexFromByte(200)
	assert(t, err != nil, "expected unknown op index to fail decode")
}

func TestUnknownDataTypeIsFatal(t *testing.T) {
	_, err := DataTypeFromByte(200)
	assert(t, err != nil, "expected unknown data type to fail decode")
}
