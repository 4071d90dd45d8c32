package encoding

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

var (
	ErrFieldCount   = errors.New("wrong number of fields")
	ErrFieldType    = errors.New("unsupported value type")
	ErrFieldTooBig  = errors.New("field exceeds declared maximum")
	ErrNonCanonical = errors.New("non-canonical encoding")
	ErrMalformed    = errors.New("malformed encoding")
)

// Error is returned for structurally invalid request data. It is never retried.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("encoding: %v", e.Err)
	}
	return fmt.Sprintf("encoding field %q: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Field declares one value of a schema. MaxBits bounds integer fields and
// MaxBytes bounds dynamic byte fields.
type Field struct {
	Name     string
	Type     abi.Type
	MaxBits  int
	MaxBytes int
}

func Uint256(name string, maxBits int) Field {
	if maxBits <= 0 || maxBits > 256 {
		maxBits = 256
	}
	return Field{Name: name, Type: mustType("uint256"), MaxBits: maxBits}
}

func Bool(name string) Field {
	return Field{Name: name, Type: mustType("bool")}
}

func Bytes(name string, maxBytes int) Field {
	return Field{Name: name, Type: mustType("bytes"), MaxBytes: maxBytes}
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Errorf("invalid abi type %s: %w", t, err))
	}
	return typ
}

// Schema is the canonical byte layout shared by a request encoder and the
// computation that reads it: the Ethereum ABI encoding of its fields, in order.
type Schema struct {
	fields []Field
	args   abi.Arguments
}

func NewSchema(fields ...Field) *Schema {
	args := make(abi.Arguments, len(fields))
	for i, f := range fields {
		args[i] = abi.Argument{Name: f.Name, Type: f.Type}
	}
	return &Schema{fields: fields, args: args}
}

func (s *Schema) Fields() []Field { return s.fields }

// Signature renders the field list as an ABI tuple, e.g. "(uint256,bool)".
func (s *Schema) Signature() string {
	types := make([]string, len(s.fields))
	for i, f := range s.fields {
		types[i] = f.Type.String()
	}
	return "(" + strings.Join(types, ",") + ")"
}

// Encode serializes values in field order. Integer values may be given as
// *uint256.Int, *big.Int, uint64 or int.
func (s *Schema) Encode(values ...any) ([]byte, error) {
	if len(values) != len(s.fields) {
		return nil, &Error{Err: fmt.Errorf("%w: expected %d, got %d", ErrFieldCount, len(s.fields), len(values))}
	}
	packed := make([]any, len(values))
	for i, f := range s.fields {
		v, err := f.normalize(values[i])
		if err != nil {
			return nil, &Error{Field: f.Name, Err: err}
		}
		packed[i] = v
	}
	out, err := s.args.Pack(packed...)
	if err != nil {
		return nil, &Error{Err: err}
	}
	return out, nil
}

// Decode is the inverse of Encode. Integers come back as *uint256.Int. Input
// that is not exactly the canonical encoding of its decoded values is rejected.
func (s *Schema) Decode(data []byte) ([]any, error) {
	raw, err := s.args.Unpack(data)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if len(raw) != len(s.fields) {
		return nil, &Error{Err: fmt.Errorf("%w: expected %d, got %d", ErrFieldCount, len(s.fields), len(raw))}
	}
	canonical, err := s.args.Pack(raw...)
	if err != nil || !bytes.Equal(canonical, data) {
		return nil, &Error{Err: ErrNonCanonical}
	}
	out := make([]any, len(raw))
	for i, f := range s.fields {
		if err := f.check(raw[i]); err != nil {
			return nil, &Error{Field: f.Name, Err: err}
		}
		if b, ok := raw[i].(*big.Int); ok {
			out[i] = uint256.MustFromBig(b)
			continue
		}
		out[i] = raw[i]
	}
	return out, nil
}

// ParseArgs converts textual arguments (decimal or 0x-prefixed integers,
// booleans, hex bytes) into values accepted by Encode.
func (s *Schema) ParseArgs(args []string) ([]any, error) {
	if len(args) != len(s.fields) {
		return nil, &Error{Err: fmt.Errorf("%w: expected %d, got %d", ErrFieldCount, len(s.fields), len(args))}
	}
	out := make([]any, len(args))
	for i, f := range s.fields {
		v, err := f.parse(strings.TrimSpace(args[i]))
		if err != nil {
			return nil, &Error{Field: f.Name, Err: err}
		}
		out[i] = v
	}
	return out, nil
}

func (f Field) parse(arg string) (any, error) {
	switch f.Type.T {
	case abi.UintTy:
		if strings.HasPrefix(arg, "0x") || strings.HasPrefix(arg, "0X") {
			return uint256.FromHex(arg)
		}
		return uint256.FromDecimal(arg)
	case abi.BoolTy:
		return strconv.ParseBool(arg)
	case abi.BytesTy:
		return hexutil.Decode(arg)
	}
	return nil, ErrFieldType
}

func (f Field) normalize(v any) (any, error) {
	switch f.Type.T {
	case abi.UintTy:
		var n *big.Int
		switch x := v.(type) {
		case *uint256.Int:
			if x == nil {
				return nil, ErrFieldType
			}
			n = x.ToBig()
		case *big.Int:
			if x == nil || x.Sign() < 0 {
				return nil, ErrFieldType
			}
			n = new(big.Int).Set(x)
		case uint64:
			n = new(big.Int).SetUint64(x)
		case int:
			if x < 0 {
				return nil, ErrFieldType
			}
			n = big.NewInt(int64(x))
		default:
			return nil, fmt.Errorf("%w: %T", ErrFieldType, v)
		}
		return n, f.check(n)
	case abi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrFieldType, v)
		}
		return b, nil
	case abi.BytesTy:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrFieldType, v)
		}
		return b, f.check(b)
	}
	return nil, fmt.Errorf("%w: %s", ErrFieldType, f.Type)
}

func (f Field) check(v any) error {
	switch x := v.(type) {
	case *big.Int:
		if f.MaxBits > 0 && x.BitLen() > f.MaxBits {
			return fmt.Errorf("%w: %d bits > %d", ErrFieldTooBig, x.BitLen(), f.MaxBits)
		}
	case []byte:
		if f.MaxBytes > 0 && len(x) > f.MaxBytes {
			return fmt.Errorf("%w: %d bytes > %d", ErrFieldTooBig, len(x), f.MaxBytes)
		}
	}
	return nil
}
