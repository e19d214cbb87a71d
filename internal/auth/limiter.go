package auth

import (
	"sync"
	"time"
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// attemptLimiter はクライアントごとのログイン失敗回数を数え、上限に達したら一定時間ロックします。
type attemptLimiter struct {
	maxAttempts int
	window      time.Duration
	lockFor     time.Duration

	mu       sync.Mutex
	attempts map[string]*attemptState
}

func newAttemptLimiter(maxAttempts int, window, lockFor time.Duration) *attemptLimiter {
	return &attemptLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		lockFor:     lockFor,
		attempts:    make(map[string]*attemptState),
	}
}

// retryAfter はロック中であれば残り時間を返します。
func (l *attemptLimiter) retryAfter(key string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.attempts[key]
	if !ok || !now.Before(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// fail は失敗を記録し、ロックまでの残り回数を返します。
func (l *attemptLimiter) fail(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.attempts[key]
	if !ok || now.Sub(state.firstAttempt) > l.window {
		state = &attemptState{firstAttempt: now}
		l.attempts[key] = state
	}

	state.count++
	if state.count >= l.maxAttempts {
		state.count = l.maxAttempts
		state.lockedUntil = now.Add(l.lockFor)
	}
	return max(l.maxAttempts-state.count, 0)
}

func (l *attemptLimiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}
