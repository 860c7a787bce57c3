package auth

import "golang.org/x/crypto/bcrypt"

// PasswordHasher 是密码摘要能力的黑盒抽象。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, digest string) bool
}

// Bcrypt 使用 bcrypt 生成带盐摘要；Cost 为 0 时使用 bcrypt.DefaultCost。
type Bcrypt struct {
	Cost int
}

func (b Bcrypt) Hash(password string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(out), err
}

func (b Bcrypt) Verify(password, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}
