package textutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb", Normalize("a\r\nb", 0))
	assert.Equal(t, "a\nb", Normalize("a\rb", 0))
	assert.Equal(t, "ab", Normalize("a\x00\x1fb", 0))
	assert.Equal(t, "abc", Normalize("  abc  ", 0))
}

func TestNormalizeClampCountsRunes(t *testing.T) {
	input := strings.Repeat("需", 10)
	assert.Equal(t, strings.Repeat("需", 4), Normalize(input, 4))
}

func TestNormalizeForCompare(t *testing.T) {
	// 标点、空白与大小写差异不影响比较结果。
	a := NormalizeForCompare("风险: 数据丢失")
	b := NormalizeForCompare("风险：数据丢失！")
	assert.Equal(t, a, b)
	assert.Equal(t, "abc123", NormalizeForCompare("A b_C 1-2.3"))
	assert.Empty(t, NormalizeForCompare("，。！？"))
}

func TestRedactForLog(t *testing.T) {
	assert.Equal(t, "Authorization: Bearer ***", RedactForLog("Authorization: Bearer abcdef123456"))
	assert.Equal(t, "key=sk-***", RedactForLog("key=sk-abcdefgh1234"))
	assert.Equal(t, "联系 ***@***", RedactForLog("联系 user@example.com"))
	assert.Equal(t, "电话 ***", RedactForLog("电话 13812345678"))
	assert.Contains(t, RedactForLog("token aaaaaaaaaaaaaaaaaaaaaaaa end"), "*** end")
}

func TestPromptPreview(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := PromptPreview(long, 80)
	assert.Len(t, got, 83)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, "short", PromptPreview("short", 80))
}
