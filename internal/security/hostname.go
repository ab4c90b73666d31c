// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

const (
	// maxHostnameLength はDNS名の最大長。
	maxHostnameLength = 253
	// maxLabelLength はDNSラベルの最大長。
	maxLabelLength = 63
)

// hostnameProfile はサブドメイン検証に使うIDNAプロファイル。
// 登録用途のためLookupより厳格なRegistrationプロファイルを使用する。
var hostnameProfile = idna.New(
	idna.MapForLookup(),
	idna.ValidateForRegistration(),
	idna.StrictDomainName(true),
	idna.ValidateLabels(true),
	idna.VerifyDNSLength(true),
	idna.BidiRule(),
)

// NormalizeSubdomain はプロビジョニング対象のサブドメインを検証し、
// 小文字のASCII（Punycode）形式に正規化して返す。
// ゾーン相対の単一ラベルも受け付けるが、IPアドレスとワイルドカードは拒否する。
func NormalizeSubdomain(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return "", fmt.Errorf("サブドメインが空です")
	}

	if strings.Contains(name, "*") {
		return "", fmt.Errorf("ワイルドカードは指定できません")
	}

	if net.ParseIP(name) != nil {
		return "", fmt.Errorf("IPアドレスは指定できません")
	}

	ascii, err := hostnameProfile.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("ホスト名として不正です: %w", err)
	}
	ascii = strings.ToLower(ascii)

	if len(ascii) > maxHostnameLength {
		return "", fmt.Errorf("ホスト名が長すぎます: %d文字", len(ascii))
	}

	for _, label := range strings.Split(ascii, ".") {
		if label == "" || len(label) > maxLabelLength {
			return "", fmt.Errorf("ラベル長が不正です: %q", label)
		}
	}

	return ascii, nil
}
