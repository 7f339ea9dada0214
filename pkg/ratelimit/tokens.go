package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// TokenWindow is the accounting window of the tokens-per-minute gate.
const TokenWindow = time.Minute

// TokenLimiter charges requested output tokens against a per-identity
// tokens-per-minute allowance. It is a thin wrapper around
// github.com/vnmchuo/ratelimiter.
type TokenLimiter struct {
	store extratelimit.Limiter
	log   log.FieldLogger
}

func NewTokenLimiter(rdb *redis.Client, tpm int64) *TokenLimiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tpm)),
		extratelimit.WithWindow(TokenWindow),
	)
	return &TokenLimiter{store: store, log: log.StandardLogger()}
}

func NewTestTokenLimiter(store extratelimit.Limiter, logger log.FieldLogger) *TokenLimiter {
	return &TokenLimiter{store: store, log: logger}
}

// AllowTokens reports whether identity may spend tokens now. Store errors
// admit the request.
func (l *TokenLimiter) AllowTokens(ctx context.Context, identity string, tokens int) bool {
	key := fmt.Sprintf("ratelimit:tpm:%s", identity)
	res, err := l.store.AllowN(ctx, key, tokens)
	if err != nil {
		l.log.WithFields(log.Fields{
			"identity": identity,
			"error":    err,
		}).Warn("ratelimit: token store unavailable, admitting")
		return true
	}
	return res.Allowed
}

// RetryAfterSeconds is how long a denied caller should wait.
func (l *TokenLimiter) RetryAfterSeconds() int {
	return int(TokenWindow / time.Second)
}
