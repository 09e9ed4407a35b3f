package idempotency

import (
	"errors"

	"github.com/google/uuid"
)

// keyLength 规范 UUID 字符串长度
const keyLength = 36

// ErrInvalidKey 幂等键格式非法
var ErrInvalidKey = errors.New("idempotency key must be a 36 character UUID")

// Key 客户端提供的幂等键，与用户 ID 一起唯一确定一次发布请求
type Key string

// ParseKey 校验幂等键，只接受规范格式的 UUID，返回小写形式
func ParseKey(s string) (Key, error) {
	if len(s) != keyLength {
		return "", ErrInvalidKey
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", ErrInvalidKey
	}
	return Key(u.String()), nil
}

func (k Key) String() string {
	return string(k)
}
