package iosystem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgCodeStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "DEF_VAR", MsgDefineVar.String())
	assert.Equal(t, "EXIT", MsgExit.String())
	assert.Contains(t, MsgCode(999).String(), "MsgCode")
}

func TestEncodeArgsRoundTripsPresentAndNilValues(t *testing.T) {
	encoded, err := encodeArgs([]interface{}{42, nil, "hello"})
	require.NoError(t, err)
	require.Len(t, encoded, 3)

	assert.True(t, encoded[0].Present)
	assert.False(t, encoded[1].Present)
	assert.True(t, encoded[2].Present)

	var i int
	require.NoError(t, decodeArg(encoded[0].Bytes, &i))
	assert.Equal(t, 42, i)

	var s string
	require.NoError(t, decodeArg(encoded[2].Bytes, &s))
	assert.Equal(t, "hello", s)
}

func TestDispatcherHandleAndUnregisteredRun(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Handle(MsgSyncFile, func(sys *IOSystem) error {
		called = true
		return nil
	})

	h, ok := d.handlers[MsgSyncFile]
	require.True(t, ok)
	require.NoError(t, h(nil))
	assert.True(t, called)

	_, ok = d.handlers[MsgCloseFile]
	assert.False(t, ok)
}

func TestRunRejectsNonIOTask(t *testing.T) {
	d := NewDispatcher()
	sys := &IOSystem{IAmIOTask: false}
	err := d.Run(sys)
	require.Error(t, err)
}
