package service

import (
	"errors"
	"fmt"

	"connectrpc.com/connect"
)

var (
	ErrUnspecifiedID       = connect.NewError(connect.CodeInvalidArgument, errors.New("no id was supplied"))
	ErrInstanceNameMissing = connect.NewError(connect.CodeInvalidArgument, errors.New("instance name is required"))
	ErrInstanceNotFound    = connect.NewError(connect.CodeNotFound, errors.New("instance not found"))
	ErrInstanceExists      = connect.NewError(connect.CodeAlreadyExists, errors.New("instance already exists"))
)

// NewInstanceNotOpenError is the one synchronous rejection this core
// surfaces to the API layer: an operation was attempted against an
// instance whose declared connection state is not open.
func NewInstanceNotOpenError(name, state string) *connect.Error {
	return connect.NewError(
		connect.CodeFailedPrecondition,
		fmt.Errorf("instance %q is %s; operation requires an open connection", name, state),
	)
}
