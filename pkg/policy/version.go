package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Version computes a content hash identifying the snapshot. Two policies
// that behave the same after normalization share a version.
func Version(p Policy) (string, error) {
	p.Routing = append([]RoutingRule(nil), p.Routing...)
	p.Tempfail.Reasons = append([]string(nil), p.Tempfail.Reasons...)
	p.normalize()

	// Maps marshal with sorted keys, so the payload is canonical.
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal policy: %w", err)
	}
	sha := sha256.Sum256(b)
	return hex.EncodeToString(sha[:]), nil
}
