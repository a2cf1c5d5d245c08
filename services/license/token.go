package license

import (
	"encoding/json"
	"time"

	"agentmarket-licensing/pkg/signing"
)

// Claims is the signed payload of a license token. The manifest rides inside
// so later edits to the live listing cannot alter an issued grant.
type Claims struct {
	Sub       string          `json:"sub"`
	ListingID string          `json:"listingId"`
	Type      string          `json:"type"`
	Scope     Scope           `json:"scope"`
	Manifest  json.RawMessage `json:"manifest,omitempty"`
	Exp       int64           `json:"exp"`
	Iat       int64           `json:"iat"`
	Iss       string          `json:"iss"`
}

// IssueToken signs the claim set for a license starting now and ending at
// endAt. Timestamps are second-resolution epoch values.
func IssueToken(key signing.Key, c Claims, now, endAt time.Time) (string, error) {
	c.Iat = now.Unix()
	c.Exp = endAt.Unix()
	c.Iss = key.Issuer()

	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}

	return key.Sign(payload), nil
}

// ParseToken verifies the signature and decodes the claims. It is the first
// of the two verification stages and never touches storage; business
// validity (revocation, expiry, usage) is checked against the License row by
// the caller.
func ParseToken(key signing.Key, compact string) (*Claims, error) {
	payload, err := key.Verify(compact)
	if err != nil {
		return nil, err
	}

	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		// A valid signature over undecodable claims still means the token
		// was not issued by us.
		return nil, signing.ErrInvalidSignature
	}

	return &c, nil
}
