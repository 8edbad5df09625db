// Package modulus keeps item values bounded without changing any routing decision.
//
// Every configured divisor divides the modulus, so v mod modulus has the same remainder
// as v for each divisor and the divisibility tests see the same outcome.
package modulus

import (
	"fmt"
	"math/bits"
	"sort"

	"keepaway/internal/domain"
)

// Compute multiplies the distinct divisors. Any product that fits in 64 bits is usable:
// transforms are evaluated in 128 bits and reduced straight back below the modulus.
func Compute(divisors []uint64) (uint64, error) {
	seen := make(map[uint64]bool, len(divisors))
	distinct := make([]uint64, 0, len(divisors))
	for _, d := range divisors {
		if d == 0 {
			return 0, domain.ErrInvalidDivisor
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		distinct = append(distinct, d)
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i] < distinct[j] })

	m := uint64(1)
	for _, d := range distinct {
		hi, lo := bits.Mul64(m, d)
		if hi != 0 {
			return 0, fmt.Errorf("%w: %v", domain.ErrModulusTooLarge, distinct)
		}
		m = lo
	}
	return m, nil
}

type Manager struct {
	modulus      uint64
	relief       bool
	reliefFactor uint64
}

func New(divisors []uint64, params domain.Params) (*Manager, error) {
	params = params.WithDefaults()
	m, err := Compute(divisors)
	if err != nil {
		return nil, err
	}
	return &Manager{
		modulus:      m,
		relief:       params.Relief,
		reliefFactor: params.ReliefFactor,
	}, nil
}

func (m *Manager) Modulus() uint64 {
	return m.modulus
}

// Reduce bounds the 128-bit value hi:lo. With relief enabled the value is floor-divided
// by the relief factor first, then the remainder by the modulus is taken.
func (m *Manager) Reduce(hi, lo uint64) uint64 {
	if m.relief {
		f := m.reliefFactor
		qhi := hi / f
		qlo, _ := bits.Div64(hi%f, lo, f)
		hi, lo = qhi, qlo
	}
	_, rem := bits.Div64(hi%m.modulus, lo, m.modulus)
	return rem
}
