package errors

import (
	"context"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKind(t *testing.T) {
	err := Newf(Timeout, "call %s", "abc")
	assert.True(t, pkgerrors.Is(err, ErrTimeout))
	assert.False(t, pkgerrors.Is(err, ErrNetwork))
	assert.True(t, IsTimeout(err))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(Network, context.DeadlineExceeded, "sending envelope")
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.True(t, pkgerrors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "network: sending envelope: context deadline exceeded", err.Error())

	assert.NoError(t, Wrap(Network, nil, "nothing"))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Invocation, KindOf(pkgerrors.New("plain")))
	assert.Equal(t, Serialization, KindOf(pkgerrors.Wrap(New(Serialization, pkgerrors.New("bad")), "outer")))
}

func TestRemote(t *testing.T) {
	err := Remote("", "boom")
	assert.Equal(t, Invocation, err.Kind)
	assert.True(t, err.Remote)
	assert.Equal(t, "remote invocation: boom", err.Error())

	err = Remote(Serialization, "bad arg")
	assert.True(t, pkgerrors.Is(err, ErrSerialization))
}
