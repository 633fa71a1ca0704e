package ttesting

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func AssertEqualInt(t *testing.T, name string, got, want int) {
	t.Run(name, func(t *testing.T) {
		if got != want {
			t.Errorf("got %d; want %d", got, want)
		}
	})
}

func AssertEqualUint32(t *testing.T, name string, got, want uint32) {
	t.Run(name, func(t *testing.T) {
		if got != want {
			t.Errorf("got %d; want %d", got, want)
		}
	})
}

func AssertEqualString(t *testing.T, name string, got, want string) {
	t.Run(name, func(t *testing.T) {
		if got != want {
			t.Errorf("got %q; want %q", got, want)
		}
	})
}

func AssertEqualBytes(t *testing.T, name string, got, want []byte) {
	t.Run(name, func(t *testing.T) {
		if !bytes.Equal(got, want) {
			t.Errorf("got %x; want %x", got, want)
		}
	})
}

// AssertErrorIs checks that err wraps want. A nil want expects no error.
func AssertErrorIs(t *testing.T, name string, err, want error) {
	t.Run(name, func(t *testing.T) {
		switch {
		case want == nil && err != nil:
			t.Errorf("got error %v; want none", err)
		case want != nil && !errors.Is(err, want):
			t.Errorf("got error %v; want %v", err, want)
		}
	})
}
