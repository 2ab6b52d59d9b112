// Package billing verifies and applies inbound payment-provider top-up
// webhooks, signing on the teacher's webhooks.SignPayload HMAC-SHA256 idiom
// generalized to include a timestamp tolerance window (spec §6 Webhook row).
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/org"
)

const maxClockSkew = 5 * time.Minute

// SignPayload mirrors the teacher's webhooks.SignPayload: HMAC-SHA256 over
// the exact bytes delivered, hex-encoded.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type TopUpEvent struct {
	EventID     string `json:"event_id"`
	OrgID       string `json:"org_id"`
	AmountCents int64  `json:"amount_cents"`
}

type Verifier struct {
	orgs   *org.Store
	secret string
}

func NewVerifier(orgs *org.Store, signingSecret string) *Verifier {
	return &Verifier{orgs: orgs, secret: signingSecret}
}

// Verify checks a hex HMAC signature header against `<timestamp>.<body>`,
// where the timestamp (unix seconds) arrives in its own header, rejecting
// stale timestamps outside maxClockSkew.
func (v *Verifier) Verify(body []byte, signatureHeader string, timestampHeader string) error {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return apierr.Unauthorized("invalid webhook timestamp header")
	}
	age := time.Since(time.Unix(ts, 0).UTC())
	if age < 0 {
		age = -age
	}
	if age > maxClockSkew {
		return apierr.Unauthorized("webhook timestamp outside tolerance window")
	}

	signed := append([]byte(timestampHeader+"."), body...)
	expected := SignPayload(signed, v.secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signatureHeader)) != 1 {
		return apierr.Unauthorized("invalid webhook signature")
	}
	return nil
}

// HandleTopUp parses and applies an idempotent org top-up (spec SPEC_FULL
// §4 supplemented feature, backed by org.Store.TopUp).
func (v *Verifier) HandleTopUp(ctx context.Context, db *sql.DB, body []byte) error {
	var ev TopUpEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return apierr.Invalid("malformed top-up webhook body: %v", err)
	}
	if ev.EventID == "" || ev.OrgID == "" || ev.AmountCents <= 0 {
		return apierr.Invalid("top-up webhook missing required fields")
	}
	if err := v.orgs.TopUp(ctx, db, ev.OrgID, ev.AmountCents, "webhook_topup_"+ev.EventID); err != nil {
		return fmt.Errorf("billing: apply top-up: %w", err)
	}
	return nil
}
