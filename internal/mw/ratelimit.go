package mw

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 按客户端 IP 维护令牌桶，长时间不活跃的条目由 gc 回收。
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	every    rate.Limit
	burst    int
	idle     time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewLimiter 每分钟允许 perMinute 次请求，突发上限也是 perMinute。
func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	return &Limiter{
		visitors: make(map[string]*visitor),
		every:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
		idle:     3 * time.Minute,
		stop:     make(chan struct{}),
	}
}

func (l *Limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.every, l.burst)}
		l.visitors[key] = v
	}
	v.seen = now
	l.mu.Unlock()
	return v.lim.AllowN(now, 1)
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.visitors {
		if now.Sub(v.seen) > l.idle {
			delete(l.visitors, k)
		}
	}
}

// Run 周期性回收空闲条目，直到 Stop 被调用。
func (l *Limiter) Run() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Middleware 超限时返回 429 并附带 Retry-After。
func (l *Limiter) Middleware() gin.HandlerFunc {
	retry := strconv.Itoa(int((time.Minute / time.Duration(l.burst)).Seconds()) + 1)
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", retry)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
