// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
//
// 错误的初始文本即为下发给客户端的原因文本（见 ClientMessage），
// 通过 WrapErrXxx 追加的上下文只进入日志，不会下发。
var (
	// Service related
	ErrServiceNotReady    = newRelayError("service not ready", 1, true)
	ErrServiceUnavailable = newRelayError("service unavailable", 2, true)
	ErrServiceInternal    = newRelayError("service internal error", 5, false) // Never return this error out of relay

	// Authentication related, the connection is refused at handshake
	ErrAuthTokenRequired = newRelayError("Authentication token required", 100, false)
	ErrAuthTokenInvalid  = newRelayError("Invalid JWT token", 101, false)
	ErrAuthTokenExpired  = newRelayError("JWT token expired", 102, false)
	ErrAuthTokenPayload  = newRelayError("Invalid token payload", 103, false)
	ErrAuthUserInactive  = newRelayError("User not found or inactive", 104, false)
	ErrAuthFailed        = newRelayError("Authentication failed", 105, true)

	// Validation related, reported to the sender only
	ErrInvalidConversationID = newRelayError("Invalid conversation ID", 200, false, WithErrorType(InputError))
	ErrContentEmpty          = newRelayError("Message content cannot be empty", 201, false, WithErrorType(InputError))
	ErrContentTooLong        = newRelayError("Message too long (max 1000 characters)", 202, false, WithErrorType(InputError))
	ErrInvalidPayload        = newRelayError("Invalid payload", 203, false, WithErrorType(InputError))
	ErrUnknownEvent          = newRelayError("Unknown event", 204, false, WithErrorType(InputError))

	// Authorization related
	ErrNotParticipant = newRelayError("Unauthorized: Not a participant in this conversation", 300, false, WithErrorType(InputError))

	// Not found related
	ErrConversationNotFound = newRelayError("Conversation not found", 400, false, WithErrorType(InputError))
	ErrIdentityNotFound     = newRelayError("identity not found", 401, false)

	// Storage related
	ErrStorageUnavailable = newRelayError("storage unavailable", 500, true)
	ErrStorageFailed      = newRelayError("storage operation failed", 501, false)

	// Operation failures surfaced to the affected connection with a generic text
	ErrSendMessageFailed      = newRelayError("Failed to send message", 600, false)
	ErrJoinConversationFailed = newRelayError("Failed to join conversation", 601, false)
	ErrConnectionSetupFailed  = newRelayError("Connection setup failed", 602, false)

	// Transport related
	ErrSessionClosed  = newRelayError("session closed", 700, false)
	ErrSendQueueFull  = newRelayError("send queue full", 701, true)
	ErrFrameMalformed = newRelayError("malformed frame", 702, false, WithErrorType(InputError))

	// Parameter related
	ErrParameterInvalid = newRelayError("invalid parameter", 1100, false)
	ErrParameterMissing = newRelayError("missing parameter", 1101, false)

	// General
	ErrOperationNotSupported = newRelayError("unsupported operation", 3000, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to relayError
	errUnexpected = newRelayError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*relayError)

func WithDetail(detail string) errorOption {
	return func(err *relayError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *relayError) {
		err.errType = etype
	}
}

// withReason 覆盖下发给客户端的原因文本。
func withReason(reason string) errorOption {
	return func(err *relayError) {
		err.reason = reason
	}
}

type relayError struct {
	msg       string
	detail    string
	reason    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newRelayError(msg string, code int32, retriable bool, options ...errorOption) relayError {
	err := relayError{
		msg:       msg,
		detail:    msg,
		reason:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e relayError) code() int32 {
	return e.errCode
}

func (e relayError) Error() string {
	return e.msg
}

func (e relayError) Detail() string {
	return e.detail
}

func (e relayError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(relayError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

// Combine 合并多个错误，忽略其中的 nil；全部为 nil 时返回 nil。
func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
