package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/internal/audit"
)

// SecurityAuditor records rejected webhook authentications. *audit.Recorder
// satisfies it.
type SecurityAuditor interface {
	Record(ctx context.Context, e audit.Entry) (uuid.UUID, error)
}

// BearerToken guards an endpoint with a static shared token. Rejections leave
// a SECURITY audit entry carrying the source address and nothing else.
func BearerToken(token string, security SecurityAuditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "endpoint auth disabled", http.StatusUnauthorized)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				RecordAuthFailure(r, security, "ie callback")
				http.Error(w, "unauthorized", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RecordAuthFailure writes the SECURITY audit entry for a rejected webhook
// request. Only the source address is taken from the request; no header or
// payload data is recorded.
func RecordAuthFailure(r *http.Request, security SecurityAuditor, source string) {
	if security == nil {
		return
	}
	_, _ = security.Record(r.Context(), audit.Entry{
		MessageType: audit.TypeSecurity,
		Direction:   audit.DirectionIn,
		Success:     false,
		ErrorCode:   "WEBHOOK_AUTH_FAILED",
		Note:        source + " authentication rejected",
		SourceIP:    clientIP(r),
	})
}

// clientIP strips the port from RemoteAddr. Behind the RealIP middleware the
// value is already a bare address and passes through.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// VerifyBodyHMAC checks a hex-encoded HMAC-SHA256 of the raw request body,
// the scheme the order webhook uses via X-Webhook-Signature.
func VerifyBodyHMAC(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}

// VerifyTwilioSignature checks Twilio's X-Twilio-Signature: base64 of
// HMAC-SHA1 over the full URL with the sorted form parameters appended.
func VerifyTwilioSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := fullURL
	for _, k := range keys {
		payload += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// VerifyTimestampedHMAC checks a hex HMAC-SHA256 over "timestamp|body", the
// scheme used for Telnyx-style webhooks configured with a shared secret.
func VerifyTimestampedHMAC(secret, timestamp string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("|"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}
