package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.COM  "))
	assert.Equal(t, "user@example.com", NormalizeEmail("user@example.com"))
}

func TestValidEmail(t *testing.T) {
	assert.True(t, ValidEmail("user@example.com"))
	assert.True(t, ValidEmail("first.last+tag@sub.example.com"))

	assert.False(t, ValidEmail(""))
	assert.False(t, ValidEmail("not-an-email"))
	assert.False(t, ValidEmail("@example.com"))
	assert.False(t, ValidEmail(strings.Repeat("a", 250)+"@x.com"))
}

func TestEmailHash(t *testing.T) {
	// Hash is stable across normalization variants of the same address
	a := EmailHash("User@Example.com")
	b := EmailHash("  user@example.com ")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, EmailHash("other@example.com"))
}

func TestNormalizeIP(t *testing.T) {
	assert.Equal(t, "192.0.2.10", NormalizeIP("192.0.2.10"))
	assert.Equal(t, "192.0.2.10", NormalizeIP("192.0.2.10:54321"))
	assert.Equal(t, "2001:db8::1", NormalizeIP("[2001:db8::1]:443"))

	assert.Equal(t, "", NormalizeIP(""))
	assert.Equal(t, "", NormalizeIP("not an ip"))
}

func TestTruncateUserAgent(t *testing.T) {
	assert.Equal(t, "Mozilla/5.0", TruncateUserAgent("  Mozilla/5.0  "))

	long := strings.Repeat("x", 1000)
	assert.Len(t, TruncateUserAgent(long), 512)
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "&lt;script&gt;", SanitizeInput("<script>"))
	assert.Equal(t, "plain", SanitizeInput("  plain  "))
}
