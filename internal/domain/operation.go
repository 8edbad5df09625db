package domain

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

type OperandKind uint8

const (
	OperandSelf OperandKind = iota
	OperandLiteral
)

// Operand is either the item's current value or a fixed literal.
type Operand struct {
	kind    OperandKind
	literal uint64
}

func Self() Operand {
	return Operand{kind: OperandSelf}
}

func Literal(n uint64) Operand {
	return Operand{kind: OperandLiteral, literal: n}
}

func (o Operand) Kind() OperandKind {
	return o.kind
}

func (o Operand) Resolve(old uint64) uint64 {
	switch o.kind {
	case OperandSelf:
		return old
	case OperandLiteral:
		return o.literal
	default:
		panic(fmt.Sprintf("unknown operand kind %d", o.kind))
	}
}

func (o Operand) String() string {
	switch o.kind {
	case OperandSelf:
		return "old"
	case OperandLiteral:
		return strconv.FormatUint(o.literal, 10)
	default:
		return "?"
	}
}

func ParseOperand(s string) (Operand, error) {
	s = strings.TrimSpace(s)
	if s == "old" {
		return Self(), nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Operand{}, fmt.Errorf("parse operand %q: %w", s, err)
	}
	return Literal(n), nil
}

type Operator uint8

const (
	OpAdd Operator = iota + 1
	OpMultiply
)

func (op Operator) String() string {
	switch op {
	case OpAdd:
		return "+"
	case OpMultiply:
		return "*"
	default:
		return "?"
	}
}

// Operation is the per-agent transform, fixed for the agent's lifetime.
type Operation struct {
	Op    Operator
	Left  Operand
	Right Operand
}

func Add(l, r Operand) Operation {
	return Operation{Op: OpAdd, Left: l, Right: r}
}

func Multiply(l, r Operand) Operation {
	return Operation{Op: OpMultiply, Left: l, Right: r}
}

func (o Operation) Valid() bool {
	return o.Op == OpAdd || o.Op == OpMultiply
}

// Evaluate applies the operation to old. The result is the 128-bit value hi:lo; the sum
// or product of two 64-bit operands always fits.
func (o Operation) Evaluate(old uint64) (hi, lo uint64, err error) {
	a := o.Left.Resolve(old)
	b := o.Right.Resolve(old)
	switch o.Op {
	case OpAdd:
		sum, carry := bits.Add64(a, b, 0)
		return carry, sum, nil
	case OpMultiply:
		hi, lo = bits.Mul64(a, b)
		return hi, lo, nil
	default:
		return 0, 0, ErrInvalidOperation
	}
}

func (o Operation) String() string {
	return o.Left.String() + " " + o.Op.String() + " " + o.Right.String()
}

// ParseOperation accepts "old * 19" and the "new = old * 19" form.
func ParseOperation(s string) (Operation, error) {
	expr := s
	if i := strings.LastIndex(expr, "="); i >= 0 {
		expr = expr[i+1:]
	}
	tokens := strings.Fields(expr)
	if len(tokens) != 3 {
		return Operation{}, fmt.Errorf("parse operation %q: want 3 tokens, got %d", s, len(tokens))
	}
	left, err := ParseOperand(tokens[0])
	if err != nil {
		return Operation{}, err
	}
	right, err := ParseOperand(tokens[2])
	if err != nil {
		return Operation{}, err
	}
	switch tokens[1] {
	case "+":
		return Add(left, right), nil
	case "*":
		return Multiply(left, right), nil
	default:
		return Operation{}, fmt.Errorf("parse operation %q: %w", s, ErrInvalidOperation)
	}
}

func (o Operation) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, ErrInvalidOperation
	}
	return []byte(o.String()), nil
}

func (o *Operation) UnmarshalText(text []byte) error {
	parsed, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Classifier routes an item by a divisibility test.
type Classifier struct {
	Divisor     uint64 `json:"divisor" toml:"divisor" yaml:"divisor"`
	IfDivisible int    `json:"if_true" toml:"if_true" yaml:"if_true"`
	IfNot       int    `json:"if_false" toml:"if_false" yaml:"if_false"`
}

func (c Classifier) Divisible(v uint64) bool {
	return v%c.Divisor == 0
}

func (c Classifier) Route(v uint64) int {
	if c.Divisible(v) {
		return c.IfDivisible
	}
	return c.IfNot
}
