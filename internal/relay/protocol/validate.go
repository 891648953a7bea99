package protocol

import (
	"reflect"
	"regexp"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

// identifierPattern 为会话 ID 允许的格式。
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Validator 对上行负载做结构校验，并把校验失败转换为 merr 错误。
type Validator struct {
	validate *validator.Validate
}

// NewValidator 创建一个注册了 identifier 规则的校验器。
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return IsIdentifier(fl.Field().String())
	})
	return &Validator{validate: v}
}

// IsIdentifier 判断 s 是否为合法的会话 ID。
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Validate 校验 req，签名与 router.Validator 一致。
//
// ConversationID 字段校验失败返回 merr.ErrInvalidConversationID，其余返回 merr.ErrInvalidPayload。
func (v *Validator) Validate(event string, req any) error {
	if req == nil {
		return merr.WrapErrInvalidPayload(event, errors.New("nil payload"))
	}
	rv := reflect.ValueOf(req)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct || rv.NumField() == 0 {
		return nil
	}

	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			if fe.StructField() == "ConversationID" {
				id, _ := fe.Value().(string)
				return merr.WrapErrInvalidConversationID(id)
			}
		}
	}
	return merr.WrapErrInvalidPayload(event, err)
}
