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
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrConversationNotFound("c1")
	wrapped := errors.Wrap(err, "failed to find conversation")
	s.ErrorIs(wrapped, ErrConversationNotFound)
	s.Equal(Code(ErrConversationNotFound), Code(wrapped))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newRelayError("new error", ErrConversationNotFound.errCode, false)
	s.True(sameCodeErr.Is(ErrConversationNotFound))
	s.False(ErrNotParticipant.Is(ErrConversationNotFound))
}

func (s *ErrSuite) TestWrap() {
	s.ErrorIs(WrapErrServiceNotReady("relay", "starting"), ErrServiceNotReady)
	s.ErrorIs(WrapErrServiceUnavailable("draining"), ErrServiceUnavailable)
	s.ErrorIs(WrapErrServiceInternal("never throw out"), ErrServiceInternal)

	s.ErrorIs(WrapErrAuthTokenInvalid(errors.New("bad signature")), ErrAuthTokenInvalid)
	s.ErrorIs(WrapErrAuthUserInactive("u1"), ErrAuthUserInactive)
	s.ErrorIs(WrapErrAuthFailed(errors.New("db down")), ErrAuthFailed)

	s.ErrorIs(WrapErrInvalidConversationID(""), ErrInvalidConversationID)
	s.ErrorIs(WrapErrContentTooLong(1001, 1000), ErrContentTooLong)
	s.ErrorIs(WrapErrInvalidPayload("send_message", errors.New("unknown field")), ErrInvalidPayload)
	s.ErrorIs(WrapErrUnknownEvent("dance"), ErrUnknownEvent)
	s.ErrorIs(WrapErrNotParticipant("u1", "c1"), ErrNotParticipant)
	s.ErrorIs(WrapErrIdentityNotFound("u1"), ErrIdentityNotFound)

	s.ErrorIs(WrapErrStorageUnavailable("badger", errors.New("locked")), ErrStorageUnavailable)
	s.ErrorIs(WrapErrStorageFailed("create", errors.New("disk full")), ErrStorageFailed)
	s.ErrorIs(WrapErrSendMessageFailed(errors.New("x")), ErrSendMessageFailed)
	s.ErrorIs(WrapErrJoinConversationFailed("c1", errors.New("x")), ErrJoinConversationFailed)
	s.ErrorIs(WrapErrConnectionSetupFailed(errors.New("x")), ErrConnectionSetupFailed)

	s.ErrorIs(WrapErrSessionClosed("s1"), ErrSessionClosed)
	s.ErrorIs(WrapErrSendQueueFull("s1", 8), ErrSendQueueFull)
	s.ErrorIs(WrapErrFrameMalformed(errors.New("eof")), ErrFrameMalformed)

	s.ErrorIs(WrapErrParameterInvalid("memory|badger|sqlite", "redis"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidMsg("bad %s", "value"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterMissing("auth.jwt_secret"), ErrParameterMissing)

	s.ErrorIs(WrapErrNotParticipant("u1", "c1", "send", "authorize"), ErrNotParticipant)
}

func (s *ErrSuite) TestClientMessage() {
	s.Equal("Conversation not found", ClientMessage(WrapErrConversationNotFound("c1", "lookup"), ErrSendMessageFailed))
	s.Equal("Unauthorized: Not a participant in this conversation",
		ClientMessage(WrapErrNotParticipant("u1", "c1"), ErrSendMessageFailed))
	s.Equal("Message too long (max 20 characters)", ClientMessage(WrapErrContentTooLong(21, 20), nil))
	s.Equal("Message too long (max 1000 characters)", ClientMessage(ErrContentTooLong, nil))

	// storage details never leak
	s.Equal("Failed to send message", ClientMessage(WrapErrStorageFailed("create", errors.New("disk full")), ErrSendMessageFailed))
	s.Equal("Failed to send message", ClientMessage(errors.New("boom"), ErrSendMessageFailed))
	s.Equal("service internal error", ClientMessage(errors.New("boom"), nil))
	s.Equal("Failed to send message", ClientMessage(WrapErrSendMessageFailed(errors.New("disk full")), nil))
}

func (s *ErrSuite) TestCategory() {
	s.Equal(CategoryAuthentication, Category(ErrAuthTokenExpired))
	s.Equal(CategoryValidation, Category(WrapErrContentTooLong(1001, 1000)))
	s.Equal(CategoryAuthorization, Category(ErrNotParticipant))
	s.Equal(CategoryNotFound, Category(ErrConversationNotFound))
	s.Equal(CategoryPersistence, Category(ErrStorageFailed))
	s.Equal(CategoryTransport, Category(ErrSendQueueFull))
	s.Equal(CategoryCanceled, Category(context.Canceled))
	s.Equal(CategoryInternal, Category(errors.New("boom")))
}

func (s *ErrSuite) TestRetryable() {
	s.True(IsRetryableErr(ErrStorageUnavailable))
	s.True(IsRetryableErr(errors.Wrap(WrapErrStorageUnavailable("sqlite", errors.New("busy")), "probe")))
	s.False(IsRetryableErr(ErrStorageFailed))
	s.False(IsRetryableErr(errors.New("plain")))
}

func (s *ErrSuite) TestErrorType() {
	s.Equal(InputError, GetErrorType(ErrContentEmpty))
	s.Equal(SystemError, GetErrorType(ErrStorageFailed))
	s.Equal(InputError, GetErrorType(WrapErrAsInputError(ErrStorageFailed)))
	s.Equal("input_error", InputError.String())
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	err = Combine(errFirst, errSecond, errThird)
	s.True(errors.Is(err, errThird))

	err = Combine(nil, errFirst, nil)
	s.True(errors.Is(err, errFirst))
	s.Nil(Combine(nil, nil))

	err = Combine(WrapErrStorageFailed("offline", errFirst), WrapErrStorageFailed("offline", errSecond))
	s.ErrorIs(err, ErrStorageFailed)
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
