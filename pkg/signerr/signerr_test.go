package signerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindFromCode(t *testing.T) {
	cases := []struct {
		code error
		kind Kind
	}{
		{ErrMalformedArchive, InputValidation},
		{ErrInvalidPassword, Credential},
		{ErrInvalidCode, Credential},
		{ErrExpired, Trust},
		{ErrProfileCertificateMismatch, Trust},
		{ErrAppIDLimitReached, Quota},
		{ErrConcurrentAppLimitReached, Quota},
		{ErrAuthServiceUnavailable, Network},
		{ErrUnsupportedBinary, Internal},
	}
	for _, tc := range cases {
		err := E("test.op", tc.code, nil)
		assert.Equal(t, tc.kind, KindOf(err), "code %v", tc.code)
		assert.True(t, errors.Is(err, tc.code))
	}
}

func TestWrappedCauseIsReachable(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", E("identity.extract", ErrInvalidPassword, cause))

	assert.True(t, errors.Is(err, ErrInvalidPassword))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, Credential, KindOf(err))
	assert.Equal(t, "identity.extract", OpOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestWrapKeepsTypedErrors(t *testing.T) {
	typed := E("a", ErrRevoked, nil)
	assert.Same(t, typed, Wrap("b", typed))

	plain := Wrap("codesign.hash", errors.New("short read"))
	require.Error(t, plain)
	assert.Equal(t, Internal, KindOf(plain))
	assert.Equal(t, "codesign.hash", OpOf(plain))
	assert.Nil(t, Wrap("x", nil))
}

func TestRetriable(t *testing.T) {
	assert.True(t, Retriable(E("x", ErrInvalidCode, nil)))
	assert.True(t, Retriable(E("x", ErrAuthServiceUnavailable, nil)))
	assert.False(t, Retriable(E("x", ErrExpired, nil)))
	assert.False(t, Retriable(errors.New("plain")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "TrustError", Trust.String())
	assert.Equal(t, "InternalError", Kind(99).String())
}
