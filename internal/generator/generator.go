package generator

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator is an interface that defines a method to generate a new value of type T.
// This can be used to generate job IDs, object keys, etc.
type Generator[T any] interface {
	Next() (T, error)
}

// UUIDV4Generator is a generator that produces UUIDv4 strings.
// It implements the Generator interface.
type UUIDV4Generator struct{}

func (g *UUIDV4Generator) Next() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var _ Generator[string] = &UUIDV4Generator{}

// SequenceGenerator produces Prefix-1, Prefix-2, ... and is safe for
// concurrent use.
type SequenceGenerator struct {
	Prefix string
	n      atomic.Uint64
}

func (g *SequenceGenerator) Next() (string, error) {
	return fmt.Sprintf("%s-%d", g.Prefix, g.n.Add(1)), nil
}

var _ Generator[string] = &SequenceGenerator{}
