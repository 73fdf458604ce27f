package domain

import (
	"fmt"
	"math/big"
	"strconv"
)

// U256 is a nonnegative integer token amount, at most 2^256-1. Amounts
// never leave integer space; JSON renders them as decimal strings the way
// settlement contracts and solvers expect.
type U256 big.Int

// NewU256 copies i into a U256. Nil and negative inputs are the caller's
// bug and panic early.
func NewU256(i *big.Int) *U256 {
	if i == nil {
		panic("domain: nil amount")
	}
	if i.Sign() < 0 {
		panic("domain: negative amount " + i.String())
	}
	return (*U256)(new(big.Int).Set(i))
}

// U256FromUint64 builds a U256 from a machine word.
func U256FromUint64(v uint64) *U256 {
	return (*U256)(new(big.Int).SetUint64(v))
}

// ParseU256 parses a decimal string into a U256.
func ParseU256(s string) (*U256, error) {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("domain: %q is not a decimal integer", s)
	}
	if i.Sign() < 0 {
		return nil, fmt.Errorf("domain: amount %q is negative", s)
	}
	if i.BitLen() > 256 {
		return nil, fmt.Errorf("domain: amount %q overflows 256 bits", s)
	}
	return (*U256)(i), nil
}

// Int exposes the underlying big.Int for arithmetic. The caller must not
// mutate the result if the U256 is shared.
func (u *U256) Int() *big.Int {
	return (*big.Int)(u)
}

func (u *U256) String() string {
	if u == nil {
		return "0"
	}
	return (*big.Int)(u).String()
}

// IsZero reports whether the amount is zero (nil counts as zero).
func (u *U256) IsZero() bool {
	return u == nil || (*big.Int)(u).Sign() == 0
}

// Cmp compares u against v, treating nil as zero.
func (u *U256) Cmp(v *U256) int {
	var a, b big.Int
	x, y := &a, &b
	if u != nil {
		x = (*big.Int)(u)
	}
	if v != nil {
		y = (*big.Int)(v)
	}
	return x.Cmp(y)
}

func (u *U256) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(u.String())), nil
}

func (u *U256) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("domain: amount must be a decimal string: %w", err)
	}
	parsed, err := ParseU256(s)
	if err != nil {
		return err
	}
	*u = *parsed
	return nil
}

// CeilDiv returns ceil(numer*x/denom) without ever touching floats.
// Fee policies that say "at least" round up.
func CeilDiv(x, numer, denom *big.Int) *big.Int {
	if denom.Sign() == 0 {
		panic("domain: zero denominator")
	}
	p := new(big.Int).Mul(x, numer)
	p.Add(p, new(big.Int).Sub(denom, big.NewInt(1)))
	return p.Div(p, denom)
}
