// Package sharetoken mints and decodes the stable, reversible reference to
// a Stored Message described in spec §4.8. The minter is pure and
// stateless: no package-level state, no I/O.
package sharetoken

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// prefix is the literal tag every minted token carries. Bit-exact
// preservation is required for cross-version compatibility of older links
// per spec §6.
const prefix = "get-"

// Mint computes the deterministic token for (messageID, channelID):
// product = messageID * |channelID|, ASCII "get-{product}", URL-safe
// base64 with padding retained.
func Mint(messageID, channelID int64) (string, error) {
	if messageID <= 0 {
		return "", fmt.Errorf("sharetoken: messageID must be positive, got %d", messageID)
	}
	product := messageID * abs(channelID)
	if product < 0 {
		return "", fmt.Errorf("sharetoken: product overflow for messageID=%d channelID=%d", messageID, channelID)
	}
	payload := fmt.Sprintf("%s%d", prefix, product)
	return base64.URLEncoding.EncodeToString([]byte(payload)), nil
}

// URL formats the public share URL embedding token for the given bot
// username.
func URL(botUsername, token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", strings.TrimPrefix(botUsername, "@"), token)
}

// Decode reverses Mint: given the token and the same channelID used to mint
// it, it recovers the original messageID exactly, per spec §8's bijection
// law.
func Decode(token string, channelID int64) (int64, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("sharetoken: invalid base64: %w", err)
	}
	payload := string(raw)
	if !strings.HasPrefix(payload, prefix) {
		return 0, fmt.Errorf("sharetoken: missing %q prefix", prefix)
	}
	productStr := strings.TrimPrefix(payload, prefix)
	product, err := strconv.ParseInt(productStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sharetoken: non-numeric product %q: %w", productStr, err)
	}
	divisor := abs(channelID)
	if divisor == 0 {
		return 0, fmt.Errorf("sharetoken: channelID must be non-zero")
	}
	if product%divisor != 0 {
		return 0, fmt.Errorf("sharetoken: product %d not divisible by channel magnitude %d", product, divisor)
	}
	return product / divisor, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
