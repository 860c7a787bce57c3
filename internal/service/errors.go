package service

import (
	"errors"
	"fmt"
)

// 业务层错误分类，handler 通过 errors.Is 映射到 HTTP 状态码。
// 认证类错误都包装 ErrUnauthenticated，对外只呈现同一条消息。
var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")

	ErrInvalidCredentials  = fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	ErrInvalidRefreshToken = fmt.Errorf("%w: invalid or expired refresh token", ErrUnauthenticated)
	ErrUserNotFound        = fmt.Errorf("%w: user not found", ErrUnauthenticated)
	ErrEmailTaken          = fmt.Errorf("%w: email taken", ErrConflict)
)
