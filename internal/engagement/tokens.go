package engagement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/ignite/squeeze/internal/domain"
)

// Tokens signs subscriber emails for tracking links.
type Tokens struct {
	secret  []byte
	baseURL string
}

// NewTokens creates a signer. baseURL is the public root of the tracking
// endpoints, e.g. "https://t.example.com".
func NewTokens(secret, baseURL string) *Tokens {
	return &Tokens{secret: []byte(secret), baseURL: strings.TrimRight(baseURL, "/")}
}

// Sign returns the token for email.
func (t *Tokens) Sign(email string) string {
	h := hmac.New(sha256.New, t.secret)
	h.Write([]byte(domain.NormalizeEmail(email)))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Verify reports whether token was issued for email.
func (t *Tokens) Verify(email, token string) bool {
	return hmac.Equal([]byte(t.Sign(email)), []byte(token))
}

// OpenURL is the tracking pixel URL.
func (t *Tokens) OpenURL(dripID, subscriberID, email string) string {
	return fmt.Sprintf("%s/t/open/%s/%s/%s", t.baseURL, url.PathEscape(dripID), url.PathEscape(subscriberID), t.Sign(email))
}

// ClickURL wraps target in a click-tracking redirect.
func (t *Tokens) ClickURL(dripID, subscriberID, email, target string) string {
	return fmt.Sprintf("%s/t/click/%s/%s/%s?url=%s", t.baseURL, url.PathEscape(dripID), url.PathEscape(subscriberID),
		t.Sign(email), url.QueryEscape(target))
}

// UnsubscribeURL is the one-click unsubscribe link.
func (t *Tokens) UnsubscribeURL(dripID, subscriberID, email string) string {
	return fmt.Sprintf("%s/t/unsubscribe/%s/%s/%s", t.baseURL, url.PathEscape(dripID), url.PathEscape(subscriberID), t.Sign(email))
}
