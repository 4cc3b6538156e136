package pickle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// batchSize is how many dict items go into one SETITEMS, as Python's pickler does.
const batchSize = 1000

// ErrUnsupportedValue is returned by Encode for values that Decoder could not
// read back, e.g. Bytes or integers outside of int32 range.
var ErrUnsupportedValue = errors.New("pickle: unsupported value")

// An Encoder encodes Values into pickle byte stream.
type Encoder struct {
	w      io.Writer
	config *EncoderConfig
	err    error

	// memo of already emitted strings and globals, and next memo key.
	strMemo    map[String]uint32
	globalMemo map[Global]uint32
	nextKey    uint32
}

// EncoderConfig allows to tune Encoder.
type EncoderConfig struct {
	// Protocol specifies which pickle protocol version should be used.
	//
	// Only protocols 2..4 are supported; zero means 2.
	Protocol int

	// Memoize makes the encoder emit BINPUT after every container and
	// reference repeated strings and globals with BINGET, like Python's
	// pickler does for interned objects.
	Memoize bool
}

// NewEncoder returns a new Encoder with default configuration.
func NewEncoder(w io.Writer) *Encoder {
	return NewEncoderWithConfig(w, &EncoderConfig{})
}

// NewEncoderWithConfig is similar to NewEncoder, but allows specifying encoder configuration.
func NewEncoderWithConfig(w io.Writer, config *EncoderConfig) *Encoder {
	return &Encoder{w: w, config: config}
}

// Encode writes the pickle encoding of v to w, the encoder's writer.
func (e *Encoder) Encode(v Value) error {
	proto := e.config.Protocol
	if proto == 0 {
		proto = 2
	}
	if proto < 2 || proto > HighestProtocol {
		return fmt.Errorf("%w: %d", ErrInvalidPickleVersion, proto)
	}

	e.err = nil
	e.strMemo = make(map[String]uint32)
	e.globalMemo = make(map[Global]uint32)
	e.nextKey = 0

	e.emit(opProto, byte(proto))
	if err := e.encode(v); err != nil {
		return err
	}
	e.emit(opStop)
	return e.err
}

// emit writes raw bytes; after the first write error it does nothing.
func (e *Encoder) emit(b ...byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *Encoder) emitString(s string) {
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

func (e *Encoder) encode(v Value) error {
	if e.err != nil {
		return e.err
	}

	switch v := v.(type) {
	case Bool:
		if v {
			e.emit(opNewtrue)
		} else {
			e.emit(opNewfalse)
		}
	case Int:
		return e.encodeInt(int64(v))
	case String:
		e.encodeString(v)
	case Global:
		return e.encodeGlobal(v)
	case Tuple:
		return e.encodeTuple(v)
	case Dict:
		return e.encodeDict(v)
	case Reduce:
		if err := e.encode(v.Callable); err != nil {
			return err
		}
		if err := e.encode(v.Args); err != nil {
			return err
		}
		e.emit(opReduce)
		e.put()
	case PersID:
		if err := e.encode(v.ID); err != nil {
			return err
		}
		e.emit(opBinpersid)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedValue, TypeName(v))
	}

	return e.err
}

func (e *Encoder) encodeInt(i int64) error {
	var b [4]byte
	switch {
	case i >= 0 && i <= math.MaxUint8:
		e.emit(opBinint1, byte(i))
	case i >= 0 && i <= math.MaxUint16:
		e.emit(opBinint2, byte(i), byte(i>>8))
	case i >= math.MinInt32 && i <= math.MaxInt32:
		binary.LittleEndian.PutUint32(b[:], uint32(i))
		e.emit(opBinint, b[0], b[1], b[2], b[3])
	default:
		return fmt.Errorf("%w: int %d does not fit into BININT", ErrUnsupportedValue, i)
	}
	return e.err
}

func (e *Encoder) encodeString(s String) {
	if k, ok := e.strMemo[s]; ok {
		e.get(k)
		return
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(s)))
	e.emit(opBinunicode, b[0], b[1], b[2], b[3])
	e.emitString(string(s))

	if k, ok := e.put(); ok {
		e.strMemo[s] = k
	}
}

func (e *Encoder) encodeGlobal(g Global) error {
	if strings.ContainsRune(g.Module, '\n') || strings.ContainsRune(g.Name, '\n') {
		return fmt.Errorf("%w: newline in global %q", ErrUnsupportedValue, g.String())
	}
	if k, ok := e.globalMemo[g]; ok {
		e.get(k)
		return e.err
	}

	e.emit(opGlobal)
	e.emitString(g.Module + "\n" + g.Name + "\n")

	if k, ok := e.put(); ok {
		e.globalMemo[g] = k
	}
	return e.err
}

func (e *Encoder) encodeTuple(t Tuple) error {
	l := len(t)
	if l == 0 {
		e.emit(opEmptyTuple)
		return e.err
	}

	if l > 3 {
		e.emit(opMark)
	}
	for _, item := range t {
		if err := e.encode(item); err != nil {
			return err
		}
	}
	switch l {
	case 1:
		e.emit(opTuple1)
	case 2:
		e.emit(opTuple2)
	case 3:
		e.emit(opTuple3)
	default:
		e.emit(opTuple)
	}
	e.put()
	return e.err
}

func (e *Encoder) encodeDict(d Dict) error {
	e.emit(opEmptyDict)
	e.put()

	for len(d) > 0 {
		n := len(d)
		if n > batchSize {
			n = batchSize
		}
		e.emit(opMark)
		for _, kv := range d[:n] {
			if err := e.encode(kv.Key); err != nil {
				return err
			}
			if err := e.encode(kv.Value); err != nil {
				return err
			}
		}
		e.emit(opSetitems)
		d = d[n:]
	}
	return e.err
}

// put memoizes the value just emitted, if memoization is enabled.
// Only 1-byte memo keys are handed out: Decoder does not read LONG_BINGET.
func (e *Encoder) put() (key uint32, ok bool) {
	if !e.config.Memoize || e.nextKey > math.MaxUint8 {
		return 0, false
	}
	key = e.nextKey
	e.nextKey++
	e.emit(opBinput, byte(key))
	return key, true
}

func (e *Encoder) get(key uint32) {
	e.emit(opBinget, byte(key))
}
