// Package fingerprint derives a stable browser fingerprint used to bind a
// session cookie to the client that created it.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	slogctx "github.com/veqryn/slog-context"
)

// Headers feed the fingerprint, in this order.
var Headers = []string{"User-Agent", "Accept-Language"}

type ctxKey struct{}

var errNoFingerprint = errors.New("no fingerprint in ctx")

// FromHTTPRequest hashes Headers. Values are length-prefixed so that moving
// bytes between headers changes the result.
func FromHTTPRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", errors.New("http request is nil")
	}

	h := sha256.New()
	var b strings.Builder
	for _, key := range Headers {
		val := r.Header.Get(key)
		b.Reset()
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(val)
		_, _ = h.Write([]byte{byte(b.Len() >> 8), byte(b.Len())})
		_, _ = h.Write([]byte(b.String()))
	}

	fp := hex.EncodeToString(h.Sum(nil))
	slogctx.Debug(r.Context(), "Built request fingerprint", "fingerprint", fp)

	return fp, nil
}

// CtxMiddleware stores the request fingerprint in the request context.
func CtxMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp, _ := FromHTTPRequest(r)
		next.ServeHTTP(w, r.WithContext(WithFingerprint(r.Context(), fp)))
	})
}

func WithFingerprint(ctx context.Context, fp string) context.Context {
	return context.WithValue(ctx, ctxKey{}, fp)
}

func ExtractFingerprint(ctx context.Context) (string, error) {
	fp, ok := ctx.Value(ctxKey{}).(string)
	if !ok {
		return "", errNoFingerprint
	}

	return fp, nil
}
