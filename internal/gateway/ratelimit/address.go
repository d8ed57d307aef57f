package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// AddressLimiter is a token bucket per remote address, used on the unauthenticated
// account endpoints.
type AddressLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	every    time.Duration
	burst    int
}

// NewAddressLimiter allows perMinute requests per address with a burst of the same size
func NewAddressLimiter(perMinute int) *AddressLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &AddressLimiter{
		limiters: cache.New(10*time.Minute, 10*time.Minute),
		every:    time.Minute / time.Duration(perMinute),
		burst:    perMinute,
	}
}

// Allow reports whether addr may proceed, and otherwise how long to wait
func (a *AddressLimiter) Allow(remoteAddr string) (bool, time.Duration) {
	lim := a.limiter(hostOnly(remoteAddr))

	res := lim.Reserve()
	if !res.OK() {
		return false, a.every
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func (a *AddressLimiter) limiter(host string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	if v, ok := a.limiters.Get(host); ok {
		lim := v.(*rate.Limiter)
		a.limiters.SetDefault(host, lim)
		return lim
	}

	lim := rate.NewLimiter(rate.Every(a.every), a.burst)
	a.limiters.SetDefault(host, lim)
	return lim
}

func hostOnly(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
