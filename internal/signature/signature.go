package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

// HeaderName carries the provider signature, e.g. "v1=<hex>,v2=<hex>".
const HeaderName = "X-Signature"

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrMissingSecret    = errors.New("webhook secret not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Verify reports whether header carries a v1 HMAC-SHA256 of rawBody under
// secret. Versions other than v1 are ignored.
func Verify(rawBody []byte, header, secret string) bool {
	return check(rawBody, header, secret) == nil
}

func check(rawBody []byte, header, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ErrMissingSecret
	}

	sig, ok := parseV1(header)
	if !ok {
		return ErrMissingSignature
	}

	expected, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrInvalidSignature
	}
	return nil
}

func parseV1(header string) (string, bool) {
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if found && k == "v1" && v != "" {
			return v, true
		}
	}
	return "", false
}

// Sign produces a header value for rawBody. Used by tests and by tooling that
// replays captured webhooks against a local instance.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verifier authenticates inbound webhook bodies.
type Verifier struct {
	secret       string
	allowSandbox bool
	logger       *slog.Logger
}

// NewVerifier creates a verifier. With allowSandbox set, bodies that declare
// "live_mode": false skip verification.
func NewVerifier(secret string, allowSandbox bool, logger *slog.Logger) *Verifier {
	return &Verifier{
		secret:       secret,
		allowSandbox: allowSandbox,
		logger:       logger,
	}
}

// Authenticate returns nil when rawBody may be processed.
func (v *Verifier) Authenticate(rawBody []byte, header string) error {
	if v.allowSandbox && isSandbox(rawBody) {
		v.logger.Warn("sandbox webhook accepted without signature verification",
			"signature_present", header != "",
		)
		return nil
	}
	return check(rawBody, header, v.secret)
}

// isSandbox is true only for an explicit "live_mode": false. A missing flag
// is treated as production.
func isSandbox(rawBody []byte) bool {
	var envelope struct {
		LiveMode *bool `json:"live_mode"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return false
	}
	return envelope.LiveMode != nil && !*envelope.LiveMode
}
