package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// plainTextPolicy はすべてのタグを除去するポリシー。並行利用して安全。
var plainTextPolicy = bluemonday.StrictPolicy()

// StripMarkup はクライアントから受け取った表示用の文字列からHTMLタグを除去する。
// ログイン履歴のユーザー名など、保存後に管理画面へそのまま表示される値に使う。
func StripMarkup(s string) string {
	return strings.TrimSpace(plainTextPolicy.Sanitize(s))
}
