package pickle
// Python-like key lookup over Dict.
//
// Dict keeps every pair the pickle stream set, in order. DictIndex answers
// "what would d[key] be in Python": keys compare with Python equality and the
// last assignment of equal keys wins.

import (
	"encoding/binary"
	"hash/maphash"

	"github.com/aristanetworks/gomap"
)

// DictIndex is a read-only lookup table over a Dict.
type DictIndex struct {
	m *gomap.Map[Value, Value]
}

// Index builds DictIndex over d.
//
// Pairs whose key is not hashable in Python (a dict, or a container holding
// one) are left out of the index.
func (d Dict) Index() *DictIndex {
	idx := &DictIndex{m: gomap.NewHint[Value, Value](len(d), Equal, hash)}
	for _, kv := range d {
		if !hashable(kv.Key) {
			continue
		}
		idx.m.Set(kv.Key, kv.Value)
	}
	return idx
}

// Get returns value associated with key.
//
// ok is false if no equal key is present or key is not hashable.
func (idx *DictIndex) Get(key Value) (value Value, ok bool) {
	if !hashable(key) {
		return nil, false
	}
	return idx.m.Get(key)
}

// Len returns the number of distinct keys.
func (idx *DictIndex) Len() int {
	return idx.m.Len()
}

// Keys returns distinct keys in unspecified order.
func (idx *DictIndex) Keys() []Value {
	keys := make([]Value, 0, idx.m.Len())
	it := idx.m.Iter()
	for it.Next() {
		keys = append(keys, it.Key())
	}
	return keys
}


// ---- equal ----

// Equal reports whether a == b holds in Python.
//
// bool compares to int as 0 or 1, str never equals bytes, containers compare
// item by item. Dicts compare pair by pair in order.
func Equal(a, b Value) bool {
	switch a := a.(type) {
	case Bool:
		switch b := b.(type) {
		case Bool:
			return a == b
		case Int:
			return Int(bint(bool(a))) == b
		}
		return false

	case Int:
		switch b := b.(type) {
		case Int:
			return a == b
		case Bool:
			return a == Int(bint(bool(b)))
		}
		return false

	case String:
		b, ok := b.(String)
		return ok && a == b

	case Bytes:
		b, ok := b.(Bytes)
		return ok && a == b

	case Global:
		b, ok := b.(Global)
		return ok && a == b

	case Mark:
		_, ok := b.(Mark)
		return ok

	case Tuple:
		b, ok := b.(Tuple)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !Equal(a[i], b[i]) {
				return false
			}
		}
		return true

	case Dict:
		b, ok := b.(Dict)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !Equal(a[i].Key, b[i].Key) || !Equal(a[i].Value, b[i].Value) {
				return false
			}
		}
		return true

	case Reduce:
		b, ok := b.(Reduce)
		return ok && Equal(a.Callable, b.Callable) && Equal(a.Args, b.Args)

	case PersID:
		b, ok := b.(PersID)
		return ok && Equal(a.ID, b.ID)

	case nil:
		return b == nil
	}
	return false
}


// ---- hash ----

// hashable reports whether x may be used as a key.
func hashable(x Value) bool {
	ok := true
	Visit(x, func(v Value) bool {
		if _, isDict := v.(Dict); isDict || v == nil {
			ok = false
		}
		return ok
	})
	return ok
}

// hash returns hash of x consistent with equality implemented by Equal.
//
//	Equal(a,b)  ⇒  hash(a) = hash(b)
//
// x must be hashable.
func hash(seed maphash.Seed, x Value) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)

	hashInt := func(i int64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(i))
		h.Write(b[:])
	}
	hashSub := func(v Value) {
		hashInt(int64(hash(seed, v)))
	}

	switch v := x.(type) {
	// bool and int share hash space: True == 1
	case Bool:
		hashInt(bint(bool(v)))
	case Int:
		hashInt(int64(v))

	case String:
		h.WriteString("s")
		h.WriteString(string(v))
	case Bytes:
		h.WriteString("b")
		h.WriteString(string(v))
	case Global:
		h.WriteString("g")
		h.WriteString(v.Module)
		h.WriteByte(0)
		h.WriteString(v.Name)
	case Mark:
		h.WriteString("mark")

	case Tuple:
		h.WriteString("tuple")
		for _, item := range v {
			hashSub(item)
		}
	case Reduce:
		h.WriteString("reduce")
		hashSub(v.Callable)
		hashSub(v.Args)
	case PersID:
		h.WriteString("persid")
		hashSub(v.ID)

	default:
		panic("unhashable type: " + TypeName(x))
	}

	return h.Sum64()
}


// ---- misc ----

// bint returns int corresponding to bool.
//
// true  -> 1
// false -> 0
func bint(x bool) int64 {
	if x {
		return 1
	}
	return 0
}
