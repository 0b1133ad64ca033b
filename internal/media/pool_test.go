package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type nopWorker struct{ name string }

func (nopWorker) CreateRouter() (Router, error) { return nil, nil }

func TestRoundRobinCycles(t *testing.T) {
	a, b, c := nopWorker{"a"}, nopWorker{"b"}, nopWorker{"c"}
	rr := NewRoundRobin([]Worker{a, b, c})

	got := []Worker{rr.Next(), rr.Next(), rr.Next(), rr.Next()}
	assert.Equal(t, []Worker{a, b, c, a}, got)
}

func TestRoundRobinSingleWorker(t *testing.T) {
	a := nopWorker{"a"}
	rr := NewRoundRobin([]Worker{a})
	assert.Equal(t, Worker(a), rr.Next())
	assert.Equal(t, Worker(a), rr.Next())
}

func TestRoundRobinRejectsEmpty(t *testing.T) {
	assert.Panics(t, func() { NewRoundRobin(nil) })
}
