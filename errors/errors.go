package errors

import "fmt"

var (
	ErrAuthenticationFailed = fmt.Errorf("authentication failed")
	ErrUnauthorized         = fmt.Errorf("identity is not a participant of this conversation")
	ErrDuplicateConnection  = fmt.Errorf("connection is already registered")
	ErrSendFailed           = fmt.Errorf("message commit failed")
	ErrRoomNotFound         = fmt.Errorf("conversation not found")
	ErrMessageNotFound      = fmt.Errorf("message not found")
	ErrSinkOverflow         = fmt.Errorf("session outbound queue overflow")
	ErrWorkerPanic          = fmt.Errorf("worker panic")
)
