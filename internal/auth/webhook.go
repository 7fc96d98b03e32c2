// Package auth verifies inbound webhook requests. Two schemes are
// supported: HMAC signatures over the raw body, and a static API key.
// Either one passing admits the request.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	headerTimestamp = "X-Webhook-Timestamp"
	headerSignature = "X-Webhook-Signature"
	headerAPIKey    = "X-API-Key"
)

var (
	errMissingSignature = errors.New("missing signature headers")
	errStaleTimestamp   = errors.New("timestamp outside tolerance")
	errBadSignature     = errors.New("signature mismatch")
)

// Verifier authenticates webhook deliveries.
type Verifier struct {
	signingSecret string
	apiKey        string
	signatureTTL  time.Duration
	production    bool
	logger        *slog.Logger

	// Now is a clock hook for tests.
	Now func() time.Time
}

// NewVerifier builds a Verifier. In production, at least one of
// signingSecret or apiKey must be set or every request is refused.
func NewVerifier(signingSecret, apiKey string, signatureTTL time.Duration, production bool, logger *slog.Logger) *Verifier {
	return &Verifier{
		signingSecret: signingSecret,
		apiKey:        apiKey,
		signatureTTL:  signatureTTL,
		production:    production,
		logger:        logger,
		Now:           time.Now,
	}
}

// Middleware returns an echo middleware enforcing webhook auth. The
// request body is read for signature verification and restored for the
// handler.
func (v *Verifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if v.signingSecret == "" && v.apiKey == "" {
				if v.production {
					v.logger.Error("webhook auth refused: no secret configured")
					return echo.NewHTTPError(http.StatusUnauthorized, "webhook authentication not configured")
				}
				// Dev convenience only.
				return next(c)
			}

			body, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(body))

			if v.signingSecret != "" {
				if err := v.verifySignature(c.Request(), body); err == nil {
					return next(c)
				} else if !errors.Is(err, errMissingSignature) {
					v.logger.Warn("webhook signature rejected", slog.String("error", err.Error()))
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
				}
			}

			if v.apiKey != "" && v.verifyAPIKey(c.Request()) {
				return next(c)
			}

			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
	}
}

// verifySignature checks an HMAC-SHA256 signature computed over
// "{timestamp}.{body}" with the signing secret. Timestamps older than
// the TTL are refused to limit replay.
func (v *Verifier) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	if timestamp == "" || signature == "" {
		return errMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errStaleTimestamp
	}
	age := v.Now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if v.signatureTTL > 0 && age > v.signatureTTL {
		return errStaleTimestamp
	}

	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(v.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errBadSignature
	}
	return nil
}

// verifyAPIKey accepts the key via X-API-Key or an Authorization bearer
// token.
func (v *Verifier) verifyAPIKey(r *http.Request) bool {
	candidate := r.Header.Get(headerAPIKey)
	if candidate == "" {
		authz := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(authz, "Bearer "); ok {
			candidate = after
		}
	}
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(v.apiKey)) == 1
}

// Sign produces the signature header value for a payload, used by
// clients and tests.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
