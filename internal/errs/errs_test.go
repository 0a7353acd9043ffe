package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf_Typed(t *testing.T) {
	err := New(CodeDisallowedCommand, "rm is not allowlisted")
	assert.Equal(t, CodeDisallowedCommand, CodeOf(err))
	assert.Equal(t, "rm is not allowlisted", MessageOf(err))
}

func TestCodeOf_Wrapped(t *testing.T) {
	inner := Wrap(CodeToolTimeout, "pytest timed out", errors.New("signal: killed"))
	outer := fmt.Errorf("step create_tests: %w", inner)

	assert.Equal(t, CodeToolTimeout, CodeOf(outer))
	assert.True(t, HasCode(outer, CodeToolTimeout))
	assert.False(t, HasCode(outer, CodeFileSystem))
}

func TestCodeOf_Untyped(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeFileSystem, "write failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "file_system_error")
	assert.Contains(t, err.Error(), "disk full")
}
