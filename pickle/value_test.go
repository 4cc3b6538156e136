package pickle

import (
	"testing"
)

func TestVisitOrder(t *testing.T) {
	v := Dict{
		{String("a"), Tuple{Int(1), Int(2)}},
		{String("b"), Reduce{Global{"m", "f"}, Tuple{PersID{String("p")}}}},
	}

	var have []string
	Visit(v, func(x Value) bool {
		have = append(have, TypeName(x)+":"+str(x))
		return true
	})

	want := []string{
		`dict:{"a": (1, 2), "b": m.f(persistent_load("p"))}`,
		`str:"a"`,
		`tuple:(1, 2)`,
		`int:1`,
		`int:2`,
		`str:"b"`,
		`reduce:m.f(persistent_load("p"))`,
		`global:m.f`,
		`tuple:(persistent_load("p"),)`,
		`persid:persistent_load("p")`,
		`str:"p"`,
	}
	if len(have) != len(want) {
		t.Fatalf("visited %d nodes  ; want %d:\nhave: %q", len(have), len(want), have)
	}
	for i := range want {
		if have[i] != want[i] {
			t.Errorf("#%d: have %s  ; want %s", i, have[i], want[i])
		}
	}
}

func TestVisitPrune(t *testing.T) {
	v := Tuple{Tuple{Int(1), Int(2)}, Int(3)}

	var ints []Value
	Visit(v, func(x Value) bool {
		if i, ok := x.(Int); ok {
			ints = append(ints, i)
		}
		// do not descend into the inner tuple
		if tup, ok := x.(Tuple); ok && len(tup) == 2 && tup[1] == Int(2) {
			return false
		}
		return true
	})
	if !Equal(Tuple(ints), Tuple{Int(3)}) {
		t.Errorf("visited ints: %v  ; want [3]", ints)
	}
}

// Visit must not recurse: nesting depth is bounded only by memory.
func TestVisitDeep(t *testing.T) {
	const depth = 1000000
	var v Value = Int(42)
	for i := 0; i < depth; i++ {
		v = Tuple{v}
	}

	n := 0
	Visit(v, func(Value) bool {
		n++
		return true
	})
	if n != depth+1 {
		t.Errorf("visited %d nodes  ; want %d", n, depth+1)
	}

	found, ok := Find(v, func(x Value) bool { return x == Int(42) })
	if !ok || found != Int(42) {
		t.Errorf("Find: %v %v", found, ok)
	}
}

func TestFind(t *testing.T) {
	v := Tuple{
		Tuple{String("x"), Int(1)},
		Tuple{String("x"), Int(2)},
	}
	isX := func(x Value) bool {
		tup, ok := x.(Tuple)
		return ok && len(tup) == 2 && tup[0] == String("x")
	}

	found, ok := Find(v, isX)
	if !ok {
		t.Fatal("not found")
	}
	if !Equal(found, Tuple{String("x"), Int(1)}) {
		t.Errorf("found %s  ; want the first match", found)
	}

	// predicate is not called after the first match
	calls := 0
	Find(v, func(x Value) bool {
		calls++
		return isX(x)
	})
	if calls != 2 {
		t.Errorf("predicate called %d times  ; want 2", calls)
	}

	if found, ok := Find(v, func(x Value) bool { return x == Int(3) }); ok {
		t.Errorf("found %v in %v", found, v)
	}
}

func TestString(t *testing.T) {
	testv := []struct {
		v    Value
		want string
	}{
		{Mark{}, "<mark>"},
		{Bool(true), "True"},
		{Bool(false), "False"},
		{Int(-5), "-5"},
		{String("a\"b\n"), `"a\"b\n"`},
		{Bytes("\x00\xff"), `b"\x00\xff"`},
		{Global{"torch", "FloatStorage"}, "torch.FloatStorage"},
		{Tuple{}, "()"},
		{Tuple{Int(1)}, "(1,)"},
		{Tuple{Int(1), Int(2)}, "(1, 2)"},
		{Dict{}, "{}"},
		{Dict{{String("a"), Int(1)}, {String("a"), Int(2)}}, `{"a": 1, "a": 2}`},
		{Reduce{Global{"torch", "Size"}, Tuple{Tuple{Int(2), Int(3)}}}, "torch.Size((2, 3))"},
		{Reduce{Global{"torch", "Size"}, Int(2)}, "torch.Size(*2)"},
		{PersID{Tuple{String("0")}}, `persistent_load(("0",))`},
		{Tuple{nil}, "(<nil>,)"},
	}
	for _, tt := range testv {
		if s := tt.v.String(); s != tt.want {
			t.Errorf("%#v: have %s  ; want %s", tt.v, s, tt.want)
		}
	}
}
