package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeEscapesMarkup(t *testing.T) {
	s, err := NewSanitizer(nil, 0)
	require.NoError(t, err)

	assert.Equal(t, "&lt;script&gt;alert(1)&lt;/script&gt;", s.Sanitize("<script>alert(1)</script>"))
	assert.Equal(t, "tom &amp; jerry", s.Sanitize("tom & jerry"))
	assert.Equal(t, "plain text", s.Sanitize("plain text"))
}

func TestSanitizeMasksCensoredWords(t *testing.T) {
	s, err := NewSanitizer([]string{"darn", "heck"}, '*')
	require.NoError(t, err)

	tests := []struct {
		in   string
		want string
	}{
		{in: "well darn it", want: "well **** it"},
		{in: "DARN", want: "****"},
		{in: "what the h3ck", want: "what the ****"},
		{in: "d-a-r-n", want: "*******"},
		{in: "nothing to see", want: "nothing to see"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Sanitize(tt.in), tt.in)
	}
}

func TestSanitizeMasksBeforeEscaping(t *testing.T) {
	s, err := NewSanitizer([]string{"darn"}, '#')
	require.NoError(t, err)

	assert.Equal(t, "&lt;b&gt;####&lt;/b&gt;", s.Sanitize("<b>darn</b>"))
}

func TestNewSanitizerIgnoresDuplicateAndBlankWords(t *testing.T) {
	s, err := NewSanitizer([]string{"darn", "DARN", "d.a.r.n", "  "}, 0)
	require.NoError(t, err)

	assert.Equal(t, "oh ****", s.Sanitize("oh darn"))
}
