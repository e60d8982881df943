// Package membership describes which shard of the source a worker streams.
//
// A Membership is an immutable (index, total) pair: the worker is member
// number Index of a group of Total workers. The leader hands these out;
// workers never derive them on their own.
package membership

import (
	"errors"
	"fmt"
)

var ErrInvalid = errors.New("membership: index must be in [1, total]")

type Membership struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// New returns a validated Membership.
func New(index, total int) (Membership, error) {
	m := Membership{Index: index, Total: total}
	if err := m.Validate(); err != nil {
		return Membership{}, err
	}
	return m, nil
}

// Of is New for values known to be valid. It panics otherwise.
func Of(index, total int) Membership {
	m, err := New(index, total)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Membership) Validate() error {
	if m.Total < 1 || m.Index < 1 || m.Index > m.Total {
		return fmt.Errorf("%w: got %d/%d", ErrInvalid, m.Index, m.Total)
	}
	return nil
}

func (m Membership) String() string {
	return fmt.Sprintf("%d/%d", m.Index, m.Total)
}

// Ptr returns a pointer to a copy of m, for APIs where nil means "no membership".
func (m Membership) Ptr() *Membership {
	return &m
}

// Equal compares two optional memberships. Two nils are equal.
func Equal(a, b *Membership) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Format renders an optional membership for logs.
func Format(m *Membership) string {
	if m == nil {
		return "none"
	}
	return m.String()
}

// Assign returns the memberships for a group of n workers, in member order.
func Assign(n int) []Membership {
	if n <= 0 {
		return nil
	}
	out := make([]Membership, n)
	for i := range n {
		out[i] = Membership{Index: i + 1, Total: n}
	}
	return out
}

// Partitions returns the half-open range [start, end) of source partitions
// owned by m when the source has n partitions. Blocks are contiguous and
// their sizes differ by at most one; the first n%Total members get the
// larger blocks.
func (m Membership) Partitions(n int) (start, end int) {
	if n <= 0 || m.Validate() != nil {
		return 0, 0
	}
	base, extra := n/m.Total, n%m.Total
	i := m.Index - 1
	start = i*base + min(i, extra)
	end = start + base
	if i < extra {
		end++
	}
	return start, end
}
