// Package textutil 提供输入文本的规范化、长度裁剪与日志脱敏工具。
package textutil

import (
	"regexp"
	"strings"
	"unicode"
)

// 各字段的最大长度（字符数）集中在这里维护，避免散落的魔法数字。
const (
	MaxRequirement     = 8000
	MaxContext         = 12000
	MaxOutput          = 20000
	MaxOption          = 200
	MaxHistoryItems    = 30
	MaxHistoryContext  = 6
	MaxChatMessages    = 50
	MaxStepID          = 64
	MaxMode            = 32
	MaxRole            = 16
	MaxHistoryMode     = 16
	MaxHistoryTS       = 32
	PromptPreviewLimit = 80
)

var (
	controlRE = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f]")
	emailRE   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRE   = regexp.MustCompile(`\b1\d{10}\b`)
	tokenRE   = regexp.MustCompile(`\b[A-Za-z0-9_\-]{20,}\b`)
	keyRE     = regexp.MustCompile(`sk-[A-Za-z0-9]{8,}`)
	bearerRE  = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.=]{8,}`)
)

// Normalize 统一换行、去掉控制字符并按字符数裁剪。非法输入返回空串。
func Normalize(value string, maxLen int) string {
	value = strings.ReplaceAll(value, "\r\n", "\n")
	value = strings.ReplaceAll(value, "\r", "\n")
	value = controlRE.ReplaceAllString(value, "")
	value = strings.TrimSpace(value)
	if maxLen > 0 {
		runes := []rune(value)
		if len(runes) > maxLen {
			value = string(runes[:maxLen])
		}
	}
	return value
}

// NormalizeForCompare 将文本压缩成与标点/空白无关的小写形式，用于判断追加结果是否重复。
func NormalizeForCompare(value string) string {
	cleaned := Normalize(value, 0)
	var b strings.Builder
	b.Grow(len(cleaned))
	for _, r := range cleaned {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// RedactForLog 对写入日志的文本做脱敏：密钥、邮箱、手机号与长 token 一律打码。
func RedactForLog(text string) string {
	redacted := bearerRE.ReplaceAllString(text, "Bearer ***")
	redacted = keyRE.ReplaceAllString(redacted, "sk-***")
	redacted = emailRE.ReplaceAllString(redacted, "***@***")
	redacted = phoneRE.ReplaceAllString(redacted, "***")
	redacted = tokenRE.ReplaceAllString(redacted, "***")
	return redacted
}

// PromptPreview 返回脱敏后的提示词摘要，超出 limit 时截断。
func PromptPreview(prompt string, limit int) string {
	if limit <= 0 {
		limit = PromptPreviewLimit
	}
	redacted := RedactForLog(Normalize(prompt, 0))
	runes := []rune(redacted)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return redacted
}
