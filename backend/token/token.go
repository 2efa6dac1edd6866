// Package token derives short correlation tags for registration frames.
//
// Tokens are not secrets. They only make it easy to match log lines that
// belong to one registration.
package token

import (
	"fmt"
	"math/rand/v2"
	"time"
)

type Generator struct {
	now  func() time.Time
	rand func() float64
}

func New() *Generator {
	return &Generator{
		now:  time.Now,
		rand: rand.Float64,
	}
}

// NewWithSource builds a generator with pinned clock and random source.
func NewWithSource(now func() time.Time, random func() float64) *Generator {
	return &Generator{now: now, rand: random}
}

// Generate returns prefix + ">" + last two digits of epoch millis + the fifth and
// sixth decimal digits of a random fraction.
func (g *Generator) Generate(prefix string) string {
	ms := g.now().UnixMilli() % 100
	if ms < 0 {
		ms = -ms
	}
	r := int64(g.rand()*1e6) % 100
	if r < 0 {
		r = -r
	}
	return fmt.Sprintf("%s>%02d%02d", prefix, ms, r)
}

var defaultGenerator = New()

// Generate uses a process wide generator.
func Generate(prefix string) string {
	return defaultGenerator.Generate(prefix)
}
