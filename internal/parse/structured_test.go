package parse

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare json", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"plain fence", "```\n[1,2]\n```", `[1,2]`},
		{"leading whitespace", "  \n```json\n{}\n```  ", `{}`},
		{"unterminated fence", "```json\n{\"a\":1}", `{"a":1}`},
		{"empty", "", ""},
		{"whitespace only", "  \n\t", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestDecodeObject(t *testing.T) {
	type payload struct {
		Confidence int      `json:"confidence"`
		Questions  []string `json:"questions"`
	}

	tests := []struct {
		name   string
		raw    string
		wantOK bool
		want   payload
	}{
		{
			name:   "valid object",
			raw:    `{"confidence": 80, "questions": ["a"]}`,
			wantOK: true,
			want:   payload{Confidence: 80, Questions: []string{"a"}},
		},
		{
			name:   "fenced object",
			raw:    "```json\n{\"confidence\": 55}\n```",
			wantOK: true,
			want:   payload{Confidence: 55, Questions: []string{"fallback"}},
		},
		{
			name:   "array where object expected",
			raw:    `[1,2,3]`,
			wantOK: false,
			want:   payload{Confidence: 30, Questions: []string{"fallback"}},
		},
		{
			name:   "prose",
			raw:    "I could not produce JSON for that.",
			wantOK: false,
			want:   payload{Confidence: 30, Questions: []string{"fallback"}},
		},
		{
			name:   "truncated json",
			raw:    `{"confidence": 80, "questio`,
			wantOK: false,
			want:   payload{Confidence: 30, Questions: []string{"fallback"}},
		},
		{
			name:   "empty response",
			raw:    "",
			wantOK: false,
			want:   payload{Confidence: 30, Questions: []string{"fallback"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := payload{Confidence: 30, Questions: []string{"fallback"}}
			got := Decode(tt.raw, ShapeObject, &out)
			assert.Equal(t, tt.wantOK, got)
			assert.Equal(t, tt.want, out)
		})
	}
}

// A decode can fail after earlier fields were already written, so a
// false return means out is unspecified and the caller's separately
// held fallback applies.
func TestDecodeFailureMayPartiallyWrite(t *testing.T) {
	type payload struct {
		Confidence int      `json:"confidence"`
		Questions  []string `json:"questions"`
	}

	out := payload{Confidence: 30, Questions: []string{"fallback"}}
	ok := Decode(`{"confidence": 80, "questions": 3}`, ShapeObject, &out)
	require.False(t, ok)
	assert.Equal(t, 80, out.Confidence, "fields before the mismatch were written")
}

func TestDecodeArray(t *testing.T) {
	var out []string
	require.True(t, Decode(`["x","y"]`, ShapeArray, &out))
	assert.Equal(t, []string{"x", "y"}, out)

	out = []string{"fallback"}
	require.False(t, Decode(`{"not":"array"}`, ShapeArray, &out))
	assert.Equal(t, []string{"fallback"}, out)
}

func TestDecodeNeverPanics(t *testing.T) {
	inputs := []string{"", "```", "```json```", "{", "[", "null", "true", "\x00\xff", strings.Repeat("[", 10000)}
	for _, in := range inputs {
		var obj map[string]any
		var arr []any
		assert.NotPanics(t, func() { Decode(in, ShapeObject, &obj) })
		assert.NotPanics(t, func() { Decode(in, ShapeArray, &arr) })
	}
}

func TestRetry(t *testing.T) {
	t.Run("first valid wins", func(t *testing.T) {
		calls := 0
		out, ok := Retry(context.Background(), 3, func(context.Context) (string, error) {
			calls++
			if calls < 2 {
				return "bad", nil
			}
			return "good", nil
		}, func(s string) bool { return s == "good" })
		require.True(t, ok)
		assert.Equal(t, "good", out)
		assert.Equal(t, 2, calls)
	})

	t.Run("errors consume attempts", func(t *testing.T) {
		calls := 0
		_, ok := Retry(context.Background(), 3, func(context.Context) (string, error) {
			calls++
			return "", errors.New("boom")
		}, func(string) bool { return true })
		assert.False(t, ok)
		assert.Equal(t, 3, calls)
	})

	t.Run("all invalid exhausts", func(t *testing.T) {
		_, ok := Retry(context.Background(), 3, func(context.Context) (string, error) {
			return "junk", nil
		}, func(string) bool { return false })
		assert.False(t, ok)
	})

	t.Run("cancelled context stops", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		_, ok := Retry(ctx, 3, func(context.Context) (string, error) {
			calls++
			return "good", nil
		}, func(string) bool { return true })
		assert.False(t, ok)
		assert.Zero(t, calls)
	})
}
