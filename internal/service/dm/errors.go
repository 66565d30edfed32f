package dm

import "errors"

var (
	ErrNotSignedIn         = errors.New("not signed in")
	ErrEmptyBody           = errors.New("message body is empty")
	ErrUnknownConversation = errors.New("conversation is not registered")
	ErrForeignConversation = errors.New("conversation does not involve the local user")
	ErrSendFailed          = errors.New("send failed")
	ErrNotOpen             = errors.New("conversation is not open")
	ErrSubscribeFailed     = errors.New("subscription could not be opened")
	ErrSessionClosed       = errors.New("session closed")
	errWorkerStopped       = errors.New("conversation worker stopped")
)
