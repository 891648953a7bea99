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
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	CategoryAuthentication = "authentication"
	CategoryValidation     = "validation"
	CategoryAuthorization  = "authorization"
	CategoryNotFound       = "not_found"
	CategoryPersistence    = "persistence"
	CategoryTransport      = "transport"
	CategoryCanceled       = "canceled"
	CategoryInternal       = "internal"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case relayError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(relayError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func GetErrorType(err error) ErrorType {
	if merr, ok := errors.Cause(err).(relayError); ok {
		return merr.errType
	}

	return SystemError
}

// Category 将错误码归类，用于指标标签与日志。
func Category(err error) string {
	code := Code(err)
	switch {
	case code == CanceledCode || code == TimeoutCode:
		return CategoryCanceled
	case code >= 100 && code < 200:
		return CategoryAuthentication
	case code >= 200 && code < 300:
		return CategoryValidation
	case code >= 300 && code < 400:
		return CategoryAuthorization
	case code >= 400 && code < 500:
		return CategoryNotFound
	case code >= 500 && code < 700:
		return CategoryPersistence
	case code >= 700 && code < 800:
		return CategoryTransport
	default:
		return CategoryInternal
	}
}

// ClientMessage 返回可以下发给客户端的原因文本。
// 鉴权、校验、授权、未找到以及操作失败类错误返回其原因文本，
// 其余错误（存储细节、内部错误等）一律返回 fallback 的原因文本。
func ClientMessage(err error, fallback error) string {
	if merr, ok := errors.Cause(err).(relayError); ok && merr.errCode >= 100 && merr.errCode < 700 &&
		merr.errCode != ErrStorageUnavailable.errCode && merr.errCode != ErrStorageFailed.errCode {
		return merr.reason
	}
	if fb, ok := errors.Cause(fallback).(relayError); ok {
		return fb.reason
	}
	return ErrServiceInternal.reason
}

func WrapErrAsInputError(err error) error {
	if merr, ok := err.(relayError); ok {
		WithErrorType(InputError)(&merr)
		return merr
	}
	return err
}

// Service related
func WrapErrServiceNotReady(role string, state string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceNotReady,
		state,
		value("role", role),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceUnavailable(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceUnavailable, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Authentication related
func WrapErrAuthTokenInvalid(cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrAuthTokenInvalid, causeText(cause))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthUserInactive(userID string, msg ...string) error {
	err := wrapFields(ErrAuthUserInactive, value("user", userID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthFailed(cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrAuthFailed, causeText(cause))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Validation related
func WrapErrInvalidConversationID(id string, msg ...string) error {
	err := wrapFields(ErrInvalidConversationID, value("conversation", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// WrapErrContentTooLong 按实际上限生成原因文本。
func WrapErrContentTooLong(length, limit int, msg ...string) error {
	base := ErrContentTooLong
	withReason(fmt.Sprintf("Message too long (max %d characters)", limit))(&base)
	err := wrapFields(base, bound("length", length, 1, limit))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrInvalidPayload(event string, cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrInvalidPayload, causeText(cause), value("event", event))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrUnknownEvent(event string, msg ...string) error {
	err := wrapFields(ErrUnknownEvent, value("event", event))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Authorization related
func WrapErrNotParticipant(userID, conversationID string, msg ...string) error {
	err := wrapFields(ErrNotParticipant, value("user", userID), value("conversation", conversationID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Not found related
func WrapErrConversationNotFound(id string, msg ...string) error {
	err := wrapFields(ErrConversationNotFound, value("conversation", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrIdentityNotFound(id string, msg ...string) error {
	err := wrapFields(ErrIdentityNotFound, value("user", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Storage related
func WrapErrStorageUnavailable(driver string, cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrStorageUnavailable, causeText(cause), value("driver", driver))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrStorageFailed(op string, cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrStorageFailed, causeText(cause), value("op", op))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Operation failures
func WrapErrSendMessageFailed(cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrSendMessageFailed, causeText(cause))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrJoinConversationFailed(id string, cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrJoinConversationFailed, causeText(cause), value("conversation", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrConnectionSetupFailed(cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrConnectionSetupFailed, causeText(cause))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Transport related
func WrapErrSessionClosed(sessionID string, msg ...string) error {
	err := wrapFields(ErrSessionClosed, value("session", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSendQueueFull(sessionID string, capacity int, msg ...string) error {
	err := wrapFields(ErrSendQueueFull, value("session", sessionID), value("capacity", capacity))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrFrameMalformed(cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrFrameMalformed, causeText(cause))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Parameter related
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmt string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmt, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func causeText(cause error) string {
	if cause == nil {
		return "<nil>"
	}
	return cause.Error()
}

func wrapFields(err relayError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err relayError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name,
		value,
		lower,
		upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
