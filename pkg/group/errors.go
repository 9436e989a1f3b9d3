package group

import (
	"fmt"

	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

// ErrorCode classifies group operation failures.
type ErrorCode int

const (
	ErrNotFound ErrorCode = iota + 1
	ErrNotOwner
	ErrNotMember
	ErrNotAccepted
	ErrNotPending
	ErrAlreadyMember
	ErrInvalidGroupType
	ErrUnknownPlayer
	ErrSelfTarget
	ErrLastMember
)

// GroupError is the typed failure every service operation returns on an
// authorization or state violation. The dispatcher maps it to an addressed
// protocol error; it never tears down the connection.
type GroupError struct {
	Code   ErrorCode
	Detail string
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group error %d: %s", e.Code, e.Detail)
}

func errf(code ErrorCode, format string, args ...interface{}) *GroupError {
	return &GroupError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ProtocolCode maps the failure onto a wire error code.
func (e *GroupError) ProtocolCode() uint16 {
	switch e.Code {
	case ErrNotFound:
		return protocol.ErrCodeGroupNotFound
	case ErrNotOwner:
		return protocol.ErrCodeNotOwner
	case ErrNotMember, ErrNotAccepted, ErrNotPending:
		return protocol.ErrCodeNotMember
	case ErrAlreadyMember:
		return protocol.ErrCodeAlreadyExists
	case ErrInvalidGroupType:
		return protocol.ErrCodeInvalidGroupType
	case ErrUnknownPlayer:
		return protocol.ErrCodeNotFound
	default:
		return protocol.ErrCodeInvalidInput
	}
}
