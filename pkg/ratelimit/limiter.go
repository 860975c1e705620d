// Package ratelimit shapes outbound traffic with a global token bucket and
// optional per-chat buckets. Callers over the limit are delayed, never dropped.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	pruneThreshold = 1024
)

var ErrBurstExceeded = errors.New("rate limiter burst is zero")

// Config sets bucket sizes. A non-positive rate disables that bucket.
type Config struct {
	GlobalPerSecond  float64
	GlobalBurst      int
	PerChatPerSecond float64
	PerChatBurst     int
	// IdleTTL is how long an unused per-chat bucket is kept.
	IdleTTL time.Duration
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg    Config
	clock  Clock
	global *rate.Limiter

	mu            sync.Mutex
	chats         map[string]*chatBucket
	cooldownUntil time.Time
}

type chatBucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New builds a limiter. A nil clock uses wall time.
func New(cfg Config, clock Clock) *Limiter {
	if clock == nil {
		clock = realClock{}
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}

	global := rate.NewLimiter(rate.Inf, 0)
	if cfg.GlobalPerSecond > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), max(cfg.GlobalBurst, 1))
	}

	return &Limiter{
		cfg:    cfg,
		clock:  clock,
		global: global,
		chats:  make(map[string]*chatBucket),
	}
}

// Wait blocks until one action for chatID may proceed and returns how long it waited.
// During a cooldown, tokens are reserved from the cooldown deadline, so queued
// actions resume at the configured rate instead of all at once.
func (l *Limiter) Wait(ctx context.Context, chatID string) (time.Duration, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var waited time.Duration
	for {
		now := l.clock.Now()

		l.mu.Lock()
		deadline := l.cooldownUntil
		chat := l.chatLimiterLocked(chatID, now)
		l.mu.Unlock()

		from := now
		if deadline.After(now) {
			from = deadline
		}

		reservations := make([]*rate.Reservation, 0, 2)
		if chat != nil {
			reservations = append(reservations, chat.ReserveN(from, 1))
		}
		reservations = append(reservations, l.global.ReserveN(from, 1))

		delay := time.Duration(0)
		for _, r := range reservations {
			if !r.OK() {
				cancelAll(reservations, now)
				return waited, ErrBurstExceeded
			}
			delay = max(delay, r.DelayFrom(now))
		}

		if delay <= 0 {
			return waited, nil
		}

		if err := l.clock.Sleep(ctx, delay); err != nil {
			cancelAll(reservations, l.clock.Now())
			return waited, err
		}
		waited += delay

		// A cooldown raised while sleeping moves this action behind it.
		if !l.cooldownMovedPast(deadline) {
			return waited, nil
		}
		cancelAll(reservations, l.clock.Now())
	}
}

// Cooldown pauses every waiter, including those already sleeping, until d has
// elapsed from now. Overlapping cooldowns keep the later deadline.
func (l *Limiter) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}

	until := l.clock.Now().Add(d)

	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
}

func (l *Limiter) cooldownMovedPast(deadline time.Time) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.cooldownUntil.After(deadline) && l.cooldownUntil.After(now)
}

// CooldownRemaining reports how long the current cooldown still lasts.
func (l *Limiter) CooldownRemaining() time.Duration {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cooldownUntil.After(now) {
		return l.cooldownUntil.Sub(now)
	}

	return 0
}

func (l *Limiter) chatLimiterLocked(chatID string, now time.Time) *rate.Limiter {
	if l.cfg.PerChatPerSecond <= 0 || chatID == "" {
		return nil
	}

	bucket, ok := l.chats[chatID]
	if !ok {
		if len(l.chats) >= pruneThreshold {
			l.pruneLocked(now)
		}
		bucket = &chatBucket{
			limiter: rate.NewLimiter(rate.Limit(l.cfg.PerChatPerSecond), max(l.cfg.PerChatBurst, 1)),
		}
		l.chats[chatID] = bucket
	}
	bucket.lastUsed = now

	return bucket.limiter
}

func (l *Limiter) pruneLocked(now time.Time) {
	for chatID, bucket := range l.chats {
		if now.Sub(bucket.lastUsed) > l.cfg.IdleTTL {
			delete(l.chats, chatID)
		}
	}
}

func cancelAll(reservations []*rate.Reservation, at time.Time) {
	for _, r := range reservations {
		r.CancelAt(at)
	}
}
