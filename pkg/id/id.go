// Package id generates lexically sortable request identifiers.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a ULID string for the current time.
func New() (string, error) {
	return NewFromTime(time.Now())
}

// NewFromTime returns a ULID string for the given time.
func NewFromTime(t time.Time) (string, error) {
	mutex.Lock()
	defer mutex.Unlock()

	id, err := ulid.New(uint64(t.UnixMilli()), entropy)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

// Must returns a ULID string for the current time, panicking on entropy
// exhaustion.
func Must() string {
	s, err := New()
	if err != nil {
		panic(err)
	}

	return s
}
