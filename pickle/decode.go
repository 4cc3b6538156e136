package pickle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode"
)

// Opcodes
const (
	opMark       byte = '(' // push special markobject on stack
	opStop       byte = '.' // every pickle ends with STOP
	opReduce     byte = 'R' // apply callable to argtuple, both on stack
	opGlobal     byte = 'c' // push self.find_class(modname, name); 2 string args
	opTuple      byte = 't' // build tuple from topmost stack items
	opBinint     byte = 'J' // push four-byte signed int
	opBinint1    byte = 'K' // push 1-byte unsigned int
	opBinint2    byte = 'M' // push 2-byte unsigned int
	opBinpersid  byte = 'Q' // push persistent object; id is taken from stack
	opBinunicode byte = 'X' // push Unicode string; counted UTF-8 string argument
	opBinget     byte = 'h' // push item from memo on stack; index is 1-byte arg
	opEmptyTuple byte = ')' // push empty tuple
	opEmptyDict  byte = '}' // push empty dict
	opBinput     byte = 'q' // store stack top in memo; index is 1-byte arg
	opLongBinput byte = 'r' //   "     "    "   "   " ;   "    " 4-byte arg
	opSetitems   byte = 'u' // modify dict by adding topmost key+value pairs

	opProto    byte = '\x80' // identify pickle protocol
	opTuple1   byte = '\x85' // build 1-tuple from stack top
	opTuple2   byte = '\x86' // build 2-tuple from two topmost stack items
	opTuple3   byte = '\x87' // build 3-tuple from three topmost stack items
	opNewtrue  byte = '\x88' // push True
	opNewfalse byte = '\x89' // push False
)

// HighestProtocol is the highest pickle protocol version Decoder accepts.
const HighestProtocol = 4

var (
	ErrInvalidPickleVersion = errors.New("invalid pickle version")
	ErrStackUnderflow       = errors.New("stack underflow")
	ErrNoMarkUse            = errors.New("MARK object cannot be exposed")
	ErrEmptyStack           = errors.New("pickle: STOP: no value left on stack")
	ErrExtraStackItems      = errors.New("pickle: STOP: extra values left on stack")
)

// OpcodeError is the error that Decode returns when it sees unknown pickle opcode.
type OpcodeError struct {
	Key byte
	Pos int
}

func (e OpcodeError) Error() string {
	return fmt.Sprintf("pickle: unknown opcode 0x%02x (%q) at position %d", e.Key, e.Key, e.Pos)
}

// opName returns pickletools name of a supported opcode.
func opName(key byte) string {
	switch key {
	case opMark:
		return "MARK"
	case opStop:
		return "STOP"
	case opReduce:
		return "REDUCE"
	case opGlobal:
		return "GLOBAL"
	case opTuple:
		return "TUPLE"
	case opBinint:
		return "BININT"
	case opBinint1:
		return "BININT1"
	case opBinint2:
		return "BININT2"
	case opBinpersid:
		return "BINPERSID"
	case opBinunicode:
		return "BINUNICODE"
	case opBinget:
		return "BINGET"
	case opEmptyTuple:
		return "EMPTY_TUPLE"
	case opEmptyDict:
		return "EMPTY_DICT"
	case opBinput:
		return "BINPUT"
	case opLongBinput:
		return "LONG_BINPUT"
	case opSetitems:
		return "SETITEMS"
	case opProto:
		return "PROTO"
	case opTuple1:
		return "TUPLE1"
	case opTuple2:
		return "TUPLE2"
	case opTuple3:
		return "TUPLE3"
	case opNewtrue:
		return "NEWTRUE"
	case opNewfalse:
		return "NEWFALSE"
	}
	return fmt.Sprintf("0x%02x", key)
}

// Decoder is a decoder for pickle streams.
//
// Stack and memo live only for the duration of one Decode call.
type Decoder struct {
	r     *bufio.Reader
	stack []Value
	memo  map[uint32]Value

	// a reusable buffer that can be used by the various decoding functions
	// functions using this should call buf.Reset to clear the old contents
	buf bytes.Buffer

	// reusable buffer for readLine
	line []byte

	// protocol version seen in last PROTO opcode; 0 by default.
	protocol int
}

// NewDecoder constructs a new Decoder which will decode the pickle stream in r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Unpickle decodes one pickle from r.
func Unpickle(r io.Reader) (Value, error) {
	return NewDecoder(r).Decode()
}

// Protocol returns the protocol version announced by the last decoded pickle.
func (d *Decoder) Protocol() int {
	return d.protocol
}

// Decode decodes the pickle stream and returns the result or an error.
//
// Decode reads until STOP. io.EOF is returned only if the stream ends before
// the first opcode; a stream cut anywhere after that is io.ErrUnexpectedEOF.
func (d *Decoder) Decode() (Value, error) {
	d.stack = make([]Value, 0, 16)
	d.memo = make(map[uint32]Value)
	d.protocol = 0

	insn := 0
loop:
	for {
		key, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF && insn != 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}

		insn++

		switch key {
		case opProto:
			err = d.loadProto()
		case opMark:
			d.push(Mark{})
		case opStop:
			break loop
		case opBinput:
			err = d.binPut()
		case opLongBinput:
			err = d.longBinPut()
		case opBinget:
			err = d.binGet()
		case opBinint:
			err = d.loadBinInt()
		case opBinint1:
			err = d.loadBinInt1()
		case opBinint2:
			err = d.loadBinInt2()
		case opEmptyDict:
			d.push(Dict{})
		case opEmptyTuple:
			d.push(Tuple{})
		case opSetitems:
			err = d.loadSetItems()
		case opTuple:
			d.push(Tuple(d.popMark()))
		case opTuple1:
			err = d.tupleN(1)
		case opTuple2:
			err = d.tupleN(2)
		case opTuple3:
			err = d.tupleN(3)
		case opNewtrue:
			d.push(Bool(true))
		case opNewfalse:
			d.push(Bool(false))
		case opBinunicode:
			err = d.loadBinUnicode()
		case opGlobal:
			err = d.global()
		case opReduce:
			err = d.reduce()
		case opBinpersid:
			err = d.loadBinPersid()

		default:
			return nil, OpcodeError{key, insn}
		}

		if err != nil {
			// EOF from individual opcode decoder is unexpected end of stream
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("pickle: %s at position %d: %w", opName(key), insn, err)
		}
	}

	return d.popResult()
}

// readLine reads next line from pickle stream.
//
// returned line does not contain \n.
// returned line is valid only till next call to readLine.
func (d *Decoder) readLine() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	d.line = d.line[:0]
	for {
		data, err = d.r.ReadSlice('\n')
		d.line = append(d.line, data...)

		// either have read till \n or got another error
		if err != bufio.ErrBufferFull {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	// trim trailing \n
	return d.line[:len(d.line)-1], nil
}

// userOK tells whether it is ok to return all objects to user.
//
// for example it is not ok to return the mark object.
func userOK(objv ...Value) error {
	for _, obj := range objv {
		if _, ok := obj.(Mark); ok {
			return ErrNoMarkUse
		}
	}
	return nil
}

// Return the position of the topmost marker
func (d *Decoder) marker() (int, bool) {
	for k := len(d.stack) - 1; k >= 0; k-- {
		if _, ok := d.stack[k].(Mark); ok {
			return k, true
		}
	}
	return 0, false
}

// popMark removes everything down to and including the topmost marker and
// returns the removed items in push order.
//
// Without a marker on the stack the whole stack is taken.
func (d *Decoder) popMark() []Value {
	k, ok := d.marker()
	from := k + 1
	if !ok {
		k, from = 0, 0
	}
	items := append([]Value{}, d.stack[from:]...)
	d.stack = d.stack[:k]
	return items
}

// Append a new value
func (d *Decoder) push(v Value) {
	d.stack = append(d.stack, v)
}

// Pop a value
// The returned error is ErrStackUnderflow if decoder stack is empty
func (d *Decoder) pop() (Value, error) {
	ln := len(d.stack) - 1
	if ln < 0 {
		return nil, ErrStackUnderflow
	}
	v := d.stack[ln]
	d.stack[ln] = nil
	d.stack = d.stack[:ln]
	return v, nil
}

// popUser pops stack value and checks whether it is ok to return to user.
func (d *Decoder) popUser() (Value, error) {
	v, err := d.pop()
	if err != nil {
		return nil, err
	}
	if err := userOK(v); err != nil {
		return nil, err
	}
	return v, nil
}

// popResult pops the value that STOP leaves on the stack.
func (d *Decoder) popResult() (Value, error) {
	switch len(d.stack) {
	case 0:
		return nil, ErrEmptyStack
	case 1:
	default:
		return nil, ErrExtraStackItems
	}
	v, err := d.popUser()
	if err != nil {
		return nil, fmt.Errorf("pickle: STOP: %w", err)
	}
	return v, nil
}

func (d *Decoder) loadProto() error {
	v, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	// PROTO 0 and 1 are accepted too, as CPython does.
	if v > HighestProtocol {
		return fmt.Errorf("%w: %d", ErrInvalidPickleVersion, v)
	}
	d.protocol = int(v)
	return nil
}

// Push a four-byte signed int
func (d *Decoder) loadBinInt() error {
	var b [4]byte
	_, err := io.ReadFull(d.r, b[:])
	if err != nil {
		return err
	}
	v := binary.LittleEndian.Uint32(b[:])
	d.push(Int(int32(v))) // NOTE signed: uint32 -> int32, and only then -> int64
	return nil
}

// Push a 1-byte unsigned int
func (d *Decoder) loadBinInt1() error {
	b, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	d.push(Int(b))
	return nil
}

// Push a 2-byte unsigned int
func (d *Decoder) loadBinInt2() error {
	var b [2]byte
	_, err := io.ReadFull(d.r, b[:])
	if err != nil {
		return err
	}
	v := binary.LittleEndian.Uint16(b[:])
	d.push(Int(v))
	return nil
}

// Push a persistent object id from items on the stack
func (d *Decoder) loadBinPersid() error {
	pid, err := d.popUser()
	if err != nil {
		return err
	}
	d.push(PersID{ID: pid})
	return nil
}

func (d *Decoder) reduce() error {
	if len(d.stack) < 2 {
		return ErrStackUnderflow
	}
	args, _ := d.pop()
	callable, _ := d.pop()
	if err := userOK(callable, args); err != nil {
		return err
	}
	d.push(Reduce{Callable: callable, Args: args})
	return nil
}

// bufLoadBytesData fetches [l]data into d.buf.
func (d *Decoder) bufLoadBytesData(l uint64) error {
	d.buf.Reset()
	// don't allow malicious `BINUNICODE <bigsize> nodata` to make us out of memory
	prealloc := int(l)
	if maxgrow := 0x10000; prealloc > maxgrow {
		prealloc = maxgrow
	}
	d.buf.Grow(prealloc)
	if l > math.MaxInt64 {
		return fmt.Errorf("size([]data) > maxint64")
	}
	_, err := io.CopyN(&d.buf, d.r, int64(l))
	return err
}

func (d *Decoder) loadBinUnicode() error {
	var b [4]byte
	_, err := io.ReadFull(d.r, b[:])
	if err != nil {
		return err
	}
	err = d.bufLoadBytesData(uint64(binary.LittleEndian.Uint32(b[:])))
	if err != nil {
		return err
	}
	d.push(String(strings.ToValidUTF8(d.buf.String(), "\uFFFD")))
	return nil
}

func (d *Decoder) global() error {
	module, err := d.readLine()
	if err != nil {
		return err
	}
	smodule := strings.TrimRightFunc(string(module), unicode.IsSpace)
	name, err := d.readLine()
	if err != nil {
		return err
	}
	sname := strings.TrimRightFunc(string(name), unicode.IsSpace)
	d.push(Global{Module: smodule, Name: sname})
	return nil
}

func (d *Decoder) loadSetItems() error {
	items := d.popMark()
	v, err := d.pop()
	if err != nil {
		return err
	}
	dict, ok := v.(Dict)
	if !ok {
		return fmt.Errorf("expected a dict, got %s", TypeName(v))
	}

	// memo may alias dict; clip capacity so that append never writes into
	// an array a memo entry still sees.
	dict = dict[:len(dict):len(dict)]

	// a trailing key without value is dropped
	for i := 0; i+1 < len(items); i += 2 {
		dict = append(dict, Pair{Key: items[i], Value: items[i+1]})
	}
	d.push(dict)
	return nil
}

// tupleN(n) creates tuple from top n stack objects.
// it serves TUPLE{1,2,3} opcode handlers.
func (d *Decoder) tupleN(n int) error {
	if len(d.stack) < n {
		return ErrStackUnderflow
	}
	k := len(d.stack) - n
	if err := userOK(d.stack[k:]...); err != nil {
		return err
	}
	v := append(Tuple{}, d.stack[k:]...)
	d.stack = append(d.stack[:k], v)
	return nil
}

// memoTop puts top of the stack into memo[key]; the stack is not changed.
// it is the worker for handling BINPUT and LONG_BINPUT opcodes.
func (d *Decoder) memoTop(key uint32) error {
	if len(d.stack) < 1 {
		return ErrStackUnderflow
	}

	obj := d.stack[len(d.stack)-1]
	if err := userOK(obj); err != nil {
		return err
	}

	d.memo[key] = obj
	return nil
}

func (d *Decoder) binPut() error {
	b, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	return d.memoTop(uint32(b))
}

func (d *Decoder) longBinPut() error {
	var b [4]byte
	_, err := io.ReadFull(d.r, b[:])
	if err != nil {
		return err
	}
	return d.memoTop(binary.LittleEndian.Uint32(b[:]))
}

func (d *Decoder) memoGet(key uint32) error {
	v, ok := d.memo[key]
	if !ok {
		return fmt.Errorf("memo: key error %d", key)
	}
	d.push(v)
	return nil
}

func (d *Decoder) binGet() error {
	b, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	return d.memoGet(uint32(b))
}
