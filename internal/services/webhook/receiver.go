package webhook

import (
	"bytes"
	"io"
	"net/http"
)

const maxInboundBody = 1 << 20

// VerifyMiddleware rejects inbound webhooks whose X-Webhook-Signature-256 does
// not match the raw body. The body is restored for the next handler.
func VerifyMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody+1))
			_ = r.Body.Close()
			if err != nil {
				http.Error(w, "cannot read body", http.StatusBadRequest)
				return
			}
			if len(body) > maxInboundBody {
				http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
				return
			}
			if !Verify(secret, body, r.Header.Get(HeaderSignature)) {
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
