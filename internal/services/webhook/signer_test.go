package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"event":"lead.captured","data":{"lead_id":42}}`)
	sig := Sign("s3cr3t", body)

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)
	assert.True(t, Verify("s3cr3t", body, sig))
	assert.False(t, Verify("other", body, sig))
}

func TestVerifyDetectsSingleByteChange(t *testing.T) {
	body := []byte(`{"event":"lead.captured","data":{"lead_id":42}}`)
	sig := Sign("s3cr3t", body)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		assert.False(t, Verify("s3cr3t", tampered, sig), "byte %d", i)
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	body := []byte(`{}`)
	assert.False(t, Verify("s3cr3t", body, ""))
	assert.False(t, Verify("s3cr3t", body, "md5=abc"))
	assert.False(t, Verify("s3cr3t", body, "sha256=zz"))
	assert.False(t, Verify("", body, Sign("", body)))
}

func TestVerifyMiddleware(t *testing.T) {
	var got string
	h := VerifyMiddleware("s3cr3t")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := new(bytes.Buffer)
		_, _ = b.ReadFrom(r.Body)
		got = b.String()
		w.WriteHeader(http.StatusNoContent)
	}))

	body := `{"event":"payment.failed"}`

	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	req.Header.Set(HeaderSignature, Sign("s3cr3t", []byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, body, got)

	req = httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body+" "))
	req.Header.Set(HeaderSignature, Sign("s3cr3t", []byte(body)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
