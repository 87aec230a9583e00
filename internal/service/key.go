package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"candlewatch/internal/indicator"
)

// IdempotencyKey is hex(sha256("symbol|indicator|windowEndUnixMs|threshold|operator")).
// threshold must be the canonical decimal text so 0.02 and 0.020 collide.
func IdempotencyKey(symbol, indicatorType string, windowEnd time.Time, threshold string, op indicator.Operator) string {
	raw := strings.Join([]string{
		strings.ToUpper(symbol),
		indicatorType,
		strconv.FormatInt(windowEnd.UnixMilli(), 10),
		threshold,
		op.String(),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
