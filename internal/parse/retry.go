package parse

import "context"

// Retry runs fn up to attempts times and returns the first output that
// valid accepts. Generation errors and rejected outputs both count as a
// failed attempt. The second return is false when no attempt produced
// acceptable output, or when the context was cancelled between
// attempts.
func Retry(ctx context.Context, attempts int, fn func(context.Context) (string, error), valid func(string) bool) (string, bool) {
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", false
		}
		out, err := fn(ctx)
		if err != nil {
			continue
		}
		if valid(out) {
			return out, true
		}
	}
	return "", false
}
