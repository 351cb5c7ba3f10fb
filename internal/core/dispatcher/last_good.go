package dispatcher

import (
	"sync"

	"wxpush_gateway/internal/egress"
	"wxpush_gateway/proxypool/model"
)

// Candidate 是一次投递尝试的出口: 某个代理, 或 Proxy 为 nil 时表示直连。
type Candidate struct {
	Proxy *model.Descriptor
}

// Direct is the candidate that uses no proxy.
var Direct = Candidate{}

func ViaProxy(p model.Descriptor) Candidate {
	return Candidate{Proxy: &p}
}

// IsDirect reports whether c connects without a proxy.
func (c Candidate) IsDirect() bool {
	return c.Proxy == nil
}

// Key identifies the candidate: the proxy connection URL, or "direct".
func (c Candidate) Key() string {
	if c.Proxy == nil {
		return "direct"
	}
	return c.Proxy.Key()
}

// Label is Key with the proxy password redacted.
func (c Candidate) Label() string {
	return egress.Label(c.Proxy)
}

func (c Candidate) Equal(o Candidate) bool {
	return c.Key() == o.Key()
}

// lastGood 记录最近一次投递成功的出口, 供下一次投递优先使用。
// 没有过期时间, 只有通过它投递失败时才会被清除。并发成功时后写者生效。
type lastGood struct {
	mu  sync.Mutex
	c   Candidate
	set bool
}

func (g *lastGood) Get() (Candidate, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.c, g.set
}

// Set stores c and reports whether the stored value changed.
func (g *lastGood) Set(c Candidate) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set && g.c.Equal(c) {
		return false
	}
	g.c, g.set = c, true
	return true
}

// ClearIf forgets the stored candidate if it is still c. A newer success
// recorded by a concurrent dispatch is kept.
func (g *lastGood) ClearIf(c Candidate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set && g.c.Equal(c) {
		g.c, g.set = Candidate{}, false
	}
}
