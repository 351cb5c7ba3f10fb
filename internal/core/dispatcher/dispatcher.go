package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wxpush_gateway/internal/metrics"
	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/internal/wecom"
	"wxpush_gateway/proxypool/model"
)

const (
	waveCached = "cached"
	waveSweep  = "sweep"
)

// TokenSource 提供投递所需的 access_token。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ProxySource 提供全量候选代理, 按库存顺序。
type ProxySource interface {
	ListAll(ctx context.Context) []model.Descriptor
}

// Sender 通过指定出口 (nil 为直连) 发送一条消息。
type Sender interface {
	AgentID() int64
	Send(ctx context.Context, p *model.Descriptor, token string, payload *wecom.Payload) (map[string]any, error)
}

// Result 描述一次成功的投递。
type Result struct {
	ID        string
	Candidate Candidate
	Data      map[string]any
	// Attempts counts every attempt made, the successful one included.
	Attempts int
}

// AttemptError 记录一次失败的投递尝试。
type AttemptError struct {
	Candidate Candidate
	Wave      string
	Err       error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Candidate.Label(), e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ExhaustedError 表示所有候选出口 (缓存代理, 全部代理, 直连) 都投递失败,
// Failures 按尝试顺序列出每一次失败。
type ExhaustedError struct {
	Failures []*AttemptError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("all %d delivery candidates failed: [%s]", len(e.Failures), strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Event 是一次投递结束后的摘要, 用于监控推送。
type Event struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Target    string    `json:"target"`
	Candidate string    `json:"candidate,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	TookMs    int64     `json:"took_ms"`
	At        time.Time `json:"at"`
}

// Options 调整 Engine 的可选行为。
type Options struct {
	Metrics    *metrics.Collector
	OnDispatch func(Event)
}

// Engine 是投递的编排者: 获取 token, 依次尝试缓存的成功出口、全部代理和直连,
// 直到某一次成功或全部失败。尝试严格串行, 避免接收人收到重复消息。
type Engine struct {
	tokens  TokenSource
	proxies ProxySource
	sender  Sender
	opts    Options

	lastGood lastGood
}

func New(tokens TokenSource, proxies ProxySource, sender Sender, opts Options) *Engine {
	return &Engine{
		tokens:  tokens,
		proxies: proxies,
		sender:  sender,
		opts:    opts,
	}
}

// CachedCandidate returns the last candidate that delivered successfully.
func (e *Engine) CachedCandidate() (Candidate, bool) {
	return e.lastGood.Get()
}

// Send delivers msg. It returns a *wecom.AuthError when no token could be
// obtained (no attempt is made) and an *ExhaustedError when every candidate
// failed. Once started, a dispatch runs to completion regardless of ctx
// cancellation.
func (e *Engine) Send(ctx context.Context, msg *wecom.Message) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	id := uuid.NewString()
	start := time.Now()
	l := logger.WithComponent("Dispatcher").With().Str("dispatch_id", id).Logger()

	res, err := e.send(ctx, l, msg)
	if res != nil {
		res.ID = id
	}
	e.finish(id, msg, res, err, time.Since(start))
	return res, err
}

func (e *Engine) send(ctx context.Context, l zerolog.Logger, msg *wecom.Message) (*Result, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		l.Error().Err(err).Msg("No access token, message not sent.")
		return nil, err
	}

	payload := wecom.BuildPayload(msg, e.sender.AgentID())
	var failures []*AttemptError
	attempts := 0

	cached, hasCached := e.lastGood.Get()
	if hasCached {
		attempts++
		l.Info().Str("candidate", cached.Label()).Msg("Trying last successful egress.")
		data, err := e.attempt(ctx, cached, waveCached, token, payload)
		if err == nil {
			return &Result{Candidate: cached, Data: data, Attempts: attempts}, nil
		}
		l.Warn().Err(err).Str("candidate", cached.Label()).Msg("Last successful egress failed, sweeping all candidates.")
		failures = append(failures, &AttemptError{Candidate: cached, Wave: waveCached, Err: err})
		e.lastGood.ClearIf(cached)
	}

	queue := e.sweep(ctx, cached, hasCached)
	for i, c := range queue {
		attempts++
		l.Info().Int("attempt", i+1).Int("of", len(queue)).Str("candidate", c.Label()).Msg("Sending message.")
		data, err := e.attempt(ctx, c, waveSweep, token, payload)
		if err != nil {
			l.Warn().Err(err).Str("candidate", c.Label()).Msg("Delivery attempt failed.")
			failures = append(failures, &AttemptError{Candidate: c, Wave: waveSweep, Err: err})
			continue
		}
		if e.lastGood.Set(c) {
			l.Info().Str("candidate", c.Label()).Msg("Cached new successful egress.")
		}
		return &Result{Candidate: c, Data: data, Attempts: attempts}, nil
	}

	l.Error().Int("attempts", attempts).Msg("All delivery candidates failed.")
	return nil, &ExhaustedError{Failures: failures}
}

// sweep builds the second wave: every proxy in inventory order, then direct.
// The cached candidate that just failed is not repeated, nor are duplicate
// inventory entries.
func (e *Engine) sweep(ctx context.Context, cached Candidate, hasCached bool) []Candidate {
	seen := make(map[string]struct{})
	if hasCached {
		seen[cached.Key()] = struct{}{}
	}

	proxies := e.proxies.ListAll(ctx)
	queue := make([]Candidate, 0, len(proxies)+1)
	for _, p := range proxies {
		c := ViaProxy(p)
		if _, dup := seen[c.Key()]; dup {
			continue
		}
		seen[c.Key()] = struct{}{}
		queue = append(queue, c)
	}
	if _, dup := seen[Direct.Key()]; !dup {
		queue = append(queue, Direct)
	}
	return queue
}

func (e *Engine) attempt(ctx context.Context, c Candidate, wave, token string, payload *wecom.Payload) (map[string]any, error) {
	data, err := e.sender.Send(ctx, c.Proxy, token, payload)
	e.opts.Metrics.RecordAttempt(wave, attemptOutcome(err))
	return data, err
}

func (e *Engine) finish(id string, msg *wecom.Message, res *Result, err error, took time.Duration) {
	ev := Event{
		ID:     id,
		Target: msg.Target,
		TookMs: took.Milliseconds(),
		At:     time.Now(),
	}
	var exhausted *ExhaustedError
	switch {
	case err == nil:
		ev.Status = "success"
		ev.Candidate = res.Candidate.Label()
		ev.Attempts = res.Attempts
	case errors.As(err, &exhausted):
		ev.Status = "exhausted"
		ev.Attempts = len(exhausted.Failures)
		ev.Error = err.Error()
	default:
		ev.Status = "auth_error"
		ev.Error = err.Error()
	}

	e.opts.Metrics.RecordDispatch(ev.Status, took)
	if e.opts.OnDispatch != nil {
		e.opts.OnDispatch(ev)
	}
}

func attemptOutcome(err error) string {
	var provider *wecom.ProviderError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &provider):
		return "provider_error"
	default:
		return "transport_error"
	}
}
