package password

import (
	"strings"
	"unicode"
)

// MinLength はパスワードの最小文字数。
const MinLength = 8

// maxSimilarity はユーザー属性との類似度の上限。これ以上は拒否する。
const maxSimilarity = 0.7

// PolicyError はパスワード強度ポリシー違反を表す。
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Reason
}

// commonPasswords はよく使われるパスワードの一覧（小文字）。
var commonPasswords = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, p := range []string{
		"password", "password1", "password12", "password123", "passw0rd",
		"12345678", "123456789", "1234567890", "qwertyuiop", "qwerty123",
		"iloveyou", "sunshine", "princess", "football", "baseball",
		"welcome1", "admin123", "letmein1", "trustno1", "superman",
		"abc12345", "11111111", "00000000", "dragon123", "monkey123",
	} {
		m[p] = struct{}{}
	}
	return m
}()

// Validate はパスワードが強度ポリシーを満たすかを検証する。
// attrsにはメールアドレスやユーザー名など、パスワードと似ていてはならない値を渡す。
// 違反時は*PolicyErrorを返す。
func Validate(password string, attrs ...string) error {
	if len([]rune(password)) < MinLength {
		return &PolicyError{Reason: "This password is too short. It must contain at least 8 characters."}
	}
	if isNumeric(password) {
		return &PolicyError{Reason: "This password is entirely numeric."}
	}
	if _, ok := commonPasswords[strings.ToLower(password)]; ok {
		return &PolicyError{Reason: "This password is too common."}
	}

	lower := strings.ToLower(password)
	for _, attr := range attrs {
		for _, part := range attributeParts(attr) {
			if similarity(lower, part) >= maxSimilarity {
				return &PolicyError{Reason: "The password is too similar to your personal information."}
			}
		}
	}
	return nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

// attributeParts は属性値全体と、区切り文字で分割した各部分を小文字で返す。
// メールアドレスはローカル部のみを対象にする。
func attributeParts(attr string) []string {
	attr = strings.ToLower(strings.TrimSpace(attr))
	if i := strings.IndexByte(attr, '@'); i >= 0 {
		attr = attr[:i]
	}
	if len(attr) < 3 {
		return nil
	}

	parts := []string{attr}
	for _, p := range strings.FieldsFunc(attr, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	}) {
		if len(p) >= 3 && p != attr {
			parts = append(parts, p)
		}
	}
	return parts
}

// similarity は最長共通部分列の長さMから 2M/(len(a)+len(b)) を返す。
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			switch {
			case ra[i-1] == rb[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return 2 * float64(prev[len(rb)]) / float64(total)
}
