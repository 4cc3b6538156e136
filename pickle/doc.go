// Package pickle decodes the subset of Python's pickle format that PyTorch
// uses to describe a checkpoint's object graph.
//
// Use Decoder to decode a pickle from an input stream, for example:
//
//	d := pickle.NewDecoder(r)
//	v, err := d.Decode() // v is a Value representing the decoded object graph
//
// Use Encoder to write a Value back as a pickle that Decoder understands:
//
//	e := pickle.NewEncoder(w)
//	err := e.Encode(v)
//
// The following table summarizes the mapping between Python and Go:
//
//	Python		Go
//	------		--
//
//	bool		Bool
//	int		Int
//	str		String	(+)
//	bytes		Bytes	(~)
//	tuple		Tuple
//	dict		Dict	(ordered list of Pair, keys are not deduplicated)
//
// Python classes, calls and persistent references are mapped to Global,
// Reduce and PersID:
//
//	Python					Go
//	------					--
//
//	torch._utils._rebuild_tensor_v2	↔	Global{"torch._utils", "_rebuild_tensor_v2"}
//	torch.Size((2, 3))		↔	Reduce{
//							Global{"torch", "Size"},
//							Tuple{Tuple{Int(2), Int(3)}},
//						}
//	persistent_load(pid)		↔	PersID{pid}
//
// Nothing is ever called or resolved: it is thus safe to decode pickles from
// untrusted sources(^).
//
//
// Supported opcodes
//
// Only the opcodes that protocol 2..4 pickles of PyTorch state dicts are
// built from are understood: PROTO, MARK, STOP, EMPTY_DICT, SETITEMS,
// EMPTY_TUPLE, TUPLE, TUPLE1..3, NEWTRUE, NEWFALSE, BININT, BININT1, BININT2,
// BINUNICODE, GLOBAL, REDUCE, BINPERSID, BINPUT, LONG_BINPUT and BINGET.
// Any other opcode, LONG_BINGET included, is reported with OpcodeError.
// Protocol 5 is rejected with ErrInvalidPickleVersion. Encoder with Memoize
// set stops memoizing after 256 values so that its output only ever needs
// BINGET.
//
//
// Walking decoded objects
//
// Visit walks a Value in pre-order and lets the callback prune subtrees; Find
// returns the first node matching a predicate. Both use an explicit work stack,
// so arbitrarily deep input does not exhaust the goroutine stack.
//
// --------
//
// (+) str is decoded permissively: invalid UTF-8 sequences are replaced with
// U+FFFD and never cause an error.
//
// (~) no supported opcode produces Bytes; the type exists so that callers can
// match on it exhaustively.
//
// (^) contrary to Python implementation, where malicious pickle can cause the
// decoder to run arbitrary code, including e.g. os.system("rm -rf /").
package pickle
