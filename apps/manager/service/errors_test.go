package service

import (
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
)

func TestNewInstanceNotOpenError(t *testing.T) {
	err := NewInstanceNotOpenError("inst-a", "connecting")

	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))
	assert.Contains(t, err.Error(), `instance "inst-a" is connecting`)
	assert.Contains(t, err.Error(), "requires an open connection")
}

func TestSentinelErrorCodes(t *testing.T) {
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(ErrUnspecifiedID))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(ErrInstanceNameMissing))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(ErrInstanceNotFound))
	assert.Equal(t, connect.CodeAlreadyExists, connect.CodeOf(ErrInstanceExists))
}
