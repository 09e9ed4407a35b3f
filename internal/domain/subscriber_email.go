package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// SubscriberEmail 已校验的订阅者邮箱
type SubscriberEmail struct {
	value string
}

// ParseSubscriberEmail 校验并返回邮箱，只接受纯地址形式（不带显示名、不带首尾空白）
func ParseSubscriberEmail(s string) (SubscriberEmail, error) {
	if strings.TrimSpace(s) != s {
		return SubscriberEmail{}, fmt.Errorf("%q is not a valid subscriber email", s)
	}
	if err := validate.Var(s, "required,email"); err != nil {
		return SubscriberEmail{}, fmt.Errorf("%q is not a valid subscriber email: %w", s, err)
	}

	// email 规则允许域名以点结尾，投递时按无效处理
	domain := s[strings.LastIndex(s, "@")+1:]
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") || strings.Contains(domain, "..") {
		return SubscriberEmail{}, fmt.Errorf("%q is not a valid subscriber email", s)
	}

	return SubscriberEmail{value: s}, nil
}

func (e SubscriberEmail) String() string {
	return e.value
}
