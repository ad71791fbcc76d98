package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はプロフィールの自由入力テキストを平文に整える。
// 氏名・ユーザー名・都市・国の保存前に使用される。
type TextSanitizerService interface {
	// Clean はHTMLタグをすべて除去し、前後の空白を取り除いた平文を返す。
	Clean(s string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフに処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Clean はHTMLを除去した平文を返す。
// StrictPolicyはエスケープ済みの文字列を返すため、保存用に復元する。
func (s *textSanitizer) Clean(in string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}
