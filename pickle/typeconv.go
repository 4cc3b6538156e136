package pickle
// conversion of decoded values to the Go types callers match on.

import (
	"fmt"
)

func expect(what string, x Value) error {
	return fmt.Errorf("expect %s; got %s", what, TypeName(x))
}

// AsInt64 tries to represent unpickled value as int64.
//
// bool is accepted as well, the same way Python treats True as 1.
func AsInt64(x Value) (int64, error) {
	switch x := x.(type) {
	case Int:
		return int64(x), nil
	case Bool:
		return bint(bool(x)), nil
	}
	return 0, expect("int", x)
}

// AsString tries to represent unpickled value as string.
//
// It succeeds only if the value is String. It does not succeed for Bytes.
func AsString(x Value) (string, error) {
	if s, ok := x.(String); ok {
		return string(s), nil
	}
	return "", expect("str", x)
}

// AsTuple tries to represent unpickled value as Tuple.
func AsTuple(x Value) (Tuple, error) {
	if t, ok := x.(Tuple); ok {
		return t, nil
	}
	return nil, expect("tuple", x)
}

// AsDict tries to represent unpickled value as Dict.
func AsDict(x Value) (Dict, error) {
	if d, ok := x.(Dict); ok {
		return d, nil
	}
	return nil, expect("dict", x)
}

// AsGlobal tries to represent unpickled value as Global.
func AsGlobal(x Value) (Global, error) {
	if g, ok := x.(Global); ok {
		return g, nil
	}
	return Global{}, expect("global", x)
}

// AsReduce tries to represent unpickled value as Reduce.
func AsReduce(x Value) (Reduce, error) {
	if r, ok := x.(Reduce); ok {
		return r, nil
	}
	return Reduce{}, expect("reduce", x)
}

// AsPersID tries to represent unpickled value as PersID.
func AsPersID(x Value) (PersID, error) {
	if p, ok := x.(PersID); ok {
		return p, nil
	}
	return PersID{}, expect("persid", x)
}

// Item returns t[i] or an error if t is too short.
func (t Tuple) Item(i int) (Value, error) {
	if i < 0 || i >= len(t) {
		return nil, fmt.Errorf("tuple index %d out of range [0:%d]", i, len(t))
	}
	return t[i], nil
}
