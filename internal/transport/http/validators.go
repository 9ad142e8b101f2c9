package httptransport

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"inboxd/internal/domain"
)

var registerOnce sync.Once

// registerValidators 在 gin 的校验引擎上注册 tagname 与 subscriber
func registerValidators() error {
	var err error
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = errors.New("unexpected validator engine")
			return
		}
		v.RegisterTagNameFunc(jsonFieldName)
		if err = v.RegisterValidation("tagname", validateTagName); err != nil {
			return
		}
		err = v.RegisterValidation("subscriber", validateSubscriber)
	})
	return err
}

// jsonFieldName 校验错误中使用 JSON 字段名
func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

// validateTagName 去除空白后不超过 50 个字符，空值在规范化时被丢弃
func validateTagName(fl validator.FieldLevel) bool {
	return utf8.RuneCountInString(strings.TrimSpace(fl.Field().String())) <= domain.MaxTagNameLength
}

func validateSubscriber(fl validator.FieldLevel) bool {
	_, err := domain.NormalizeSubscriber(fl.Field().String())
	return err == nil
}

// bindingMessage 将 validator 错误转为可读消息
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "tagname":
		return domain.ErrTagTooLong.Error()
	case "subscriber":
		return fmt.Sprintf("%s must be 1-%d characters", field, domain.MaxSubscriberLength)
	case "max":
		return fmt.Sprintf("%s must have at most %s items", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
