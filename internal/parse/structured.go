// Package parse recovers structured data from LLM text output.
//
// Model responses are untrusted input: they arrive wrapped in markdown
// fences, prefixed with prose, truncated mid-array, or as something that
// is not JSON at all. Every entry point here is total. Nothing panics
// and nothing returns an error; a false return tells the caller to use
// its fallback value instead of out.
package parse

import (
	"encoding/json"
	"strings"
)

// Shape restricts what the top-level JSON value must be.
type Shape int

const (
	ShapeObject Shape = iota
	ShapeArray
)

// Clean strips a single markdown code fence from around a model
// response. It prefers the ```json form, falls back to a bare fence,
// and leaves unfenced text untouched.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Decode parses a model response into out, requiring the top-level
// value to match shape. It reports whether the response decoded. On
// success, fields absent from the response keep whatever the caller
// preloaded into out. On failure out may be partially written (a decode
// can fail after filling earlier fields), so callers must keep their
// fallback in a separate value and use it whenever Decode reports
// false.
func Decode(raw string, shape Shape, out any) bool {
	cleaned := Clean(raw)
	if cleaned == "" {
		return false
	}
	switch shape {
	case ShapeObject:
		if cleaned[0] != '{' {
			return false
		}
	case ShapeArray:
		if cleaned[0] != '[' {
			return false
		}
	default:
		return false
	}
	return json.Unmarshal([]byte(cleaned), out) == nil
}

// DecodeAny parses a model response into out without a shape
// restriction beyond being valid JSON.
func DecodeAny(raw string, out any) bool {
	cleaned := Clean(raw)
	if cleaned == "" {
		return false
	}
	return json.Unmarshal([]byte(cleaned), out) == nil
}
