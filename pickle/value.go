package pickle

import (
	"strconv"
	"strings"
)

// Value is a decoded pickle object.
//
// The set of Value implementations is closed: Mark, Bool, Int, String, Bytes,
// Global, Tuple, Dict, Reduce and PersID.
type Value interface {
	String() string
	value()
}

// Mark is the special markobject that delimits variable-length stack items.
//
// It never appears in a value returned by Decode.
type Mark struct{}

// Bool is Python's bool.
type Bool bool

// Int is Python's int. All integer opcodes decode to it.
type Int int64

// String is Python's str.
type String string

// Bytes is Python's bytes.
type Bytes string

// Global is a reference to a named Python object, e.g. a class or function.
type Global struct {
	Module, Name string
}

// Tuple is Python's tuple.
type Tuple []Value

// Pair is one key/value entry of a Dict.
type Pair struct {
	Key   Value
	Value Value
}

// Dict is Python's dict as it was built in the pickle stream.
//
// Entries keep insertion order and keys are not deduplicated: a key that was
// set twice appears twice. Use Index for lookups with Python semantics.
type Dict []Pair

// Reduce represents Python's call `Callable(*Args)`.
//
// The call is recorded, never performed. Args is conventionally a Tuple but
// that is not enforced.
type Reduce struct {
	Callable Value
	Args     Value
}

// PersID is a persistent reference to an object stored outside the pickle.
type PersID struct {
	ID Value
}

func (Mark) value()   {}
func (Bool) value()   {}
func (Int) value()    {}
func (String) value() {}
func (Bytes) value()  {}
func (Global) value() {}
func (Tuple) value()  {}
func (Dict) value()   {}
func (Reduce) value() {}
func (PersID) value() {}

// String methods render values the way Python's repr would, close enough to
// be copy/pasted into an interpreter when debugging a checkpoint.

func (Mark) String() string { return "<mark>" }

func (b Bool) String() string {
	if b {
		return "True"
	}
	return "False"
}

func (i Int) String() string    { return strconv.FormatInt(int64(i), 10) }
func (s String) String() string { return pyquote(string(s)) }
func (b Bytes) String() string  { return "b" + pyquoteBytes(string(b)) }
func (g Global) String() string { return g.Module + "." + g.Name }

func (t Tuple) String() string {
	if len(t) == 1 {
		return "(" + str(t[0]) + ",)"
	}
	return "(" + join(t) + ")"
}

func (d Dict) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, kv := range d {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(str(kv.Key))
		b.WriteString(": ")
		b.WriteString(str(kv.Value))
	}
	b.WriteByte('}')
	return b.String()
}

func (r Reduce) String() string {
	if args, ok := r.Args.(Tuple); ok {
		return str(r.Callable) + "(" + join(args) + ")"
	}
	return str(r.Callable) + "(*" + str(r.Args) + ")"
}

func (p PersID) String() string { return "persistent_load(" + str(p.ID) + ")" }

// str is v.String() that tolerates nil.
func str(v Value) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}

func join(vv []Value) string {
	s := make([]string, len(vv))
	for i, v := range vv {
		s[i] = str(v)
	}
	return strings.Join(s, ", ")
}

// TypeName returns Python-like name of v's type.
func TypeName(v Value) string {
	switch v.(type) {
	case Mark:
		return "mark"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case String:
		return "str"
	case Bytes:
		return "bytes"
	case Global:
		return "global"
	case Tuple:
		return "tuple"
	case Dict:
		return "dict"
	case Reduce:
		return "reduce"
	case PersID:
		return "persid"
	case nil:
		return "nil"
	}
	return "unknown"
}

// Visit walks v in pre-order.
//
// fn is called on every node before its children. If fn returns false the
// children of that node are not visited; traversal continues with the node's
// next sibling. Children are visited in construction order: Tuple items left
// to right, Dict key then value for each pair, Reduce callable then args,
// PersID its id.
func Visit(v Value, fn func(Value) bool) {
	work := []Value{v}
	for len(work) > 0 {
		n := len(work) - 1
		x := work[n]
		work = work[:n]

		if !fn(x) {
			continue
		}

		// children are pushed in reverse so that they pop in natural order
		switch x := x.(type) {
		case Tuple:
			for i := len(x) - 1; i >= 0; i-- {
				work = append(work, x[i])
			}
		case Dict:
			for i := len(x) - 1; i >= 0; i-- {
				work = append(work, x[i].Value, x[i].Key)
			}
		case Reduce:
			work = append(work, x.Args, x.Callable)
		case PersID:
			work = append(work, x.ID)
		}
	}
}

// Find returns the first node of v, in Visit order, for which pred is true.
func Find(v Value, pred func(Value) bool) (found Value, ok bool) {
	Visit(v, func(x Value) bool {
		if ok {
			return false
		}
		if pred(x) {
			found, ok = x, true
			return false
		}
		return true
	})
	return found, ok
}
