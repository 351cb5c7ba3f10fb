package manager

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wxpush_gateway/internal/metrics"
	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/proxypool/model"
	"wxpush_gateway/proxypool/scraper"
	"wxpush_gateway/proxypool/storage"
	"wxpush_gateway/proxypool/validator"
)

// 导入文本中每行的代理格式, 行内其余内容忽略。
var ingestPattern = regexp.MustCompile(`(\w+)://([\d.]+):(\d+)`)

// ReconcileReport 是一次全量检测的结果。
type ReconcileReport struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
}

// HarvestReport 是一次抓取的结果。
type HarvestReport struct {
	Scraped  int `json:"scraped"`
	New      int `json:"new"`
	Inserted int `json:"inserted"`
}

// Options 调整 Manager 的行为, 零值可用。
type Options struct {
	// CheckConcurrency bounds the number of probes in flight during one batch.
	CheckConcurrency int
	// ReconcileSchedule is a cron expression for periodic reconcile; empty disables it.
	ReconcileSchedule string
	// Scrapers are the public sources used by Harvest.
	Scrapers []scraper.Scraper
	// HarvestSchedule is a cron expression for periodic harvest; empty disables it.
	HarvestSchedule string
	Metrics         *metrics.Collector
	// OnReconcile is called after every reconcile, scheduled or not.
	OnReconcile func(ReconcileReport)
}

// Manager 是代理池模块的总控制器: 读取候选代理, 全量检测并回写状态, 导入新代理。
type Manager struct {
	storage storage.Storage
	checker validator.Checker
	opts    Options
	now     func() time.Time

	// reconcileMu 保证同一时间只有一次全量检测在写库
	reconcileMu sync.Mutex

	cron *cron.Cron
}

// NewManager 创建并初始化代理池管理器。
func NewManager(store storage.Storage, checker validator.Checker, opts Options) *Manager {
	return &Manager{
		storage: store,
		checker: checker,
		opts:    opts,
		now:     time.Now,
	}
}

// Start 启动定时全量检测和定时抓取 (如果配置了 cron 表达式)。
func (m *Manager) Start() error {
	l := logger.WithComponent("ProxyPool/Manager")

	c := cron.New()
	jobs := 0
	if m.opts.ReconcileSchedule != "" {
		_, err := c.AddFunc(m.opts.ReconcileSchedule, func() {
			l.Debug().Msg("Reconcile schedule triggered.")
			m.Reconcile(context.Background())
		})
		if err != nil {
			return fmt.Errorf("manager: invalid reconcile schedule %q: %w", m.opts.ReconcileSchedule, err)
		}
		jobs++
		l.Info().Str("schedule", m.opts.ReconcileSchedule).Msg("Reconcile scheduled.")
	} else {
		l.Info().Msg("Reconcile schedule not configured, periodic health checks disabled.")
	}

	if m.opts.HarvestSchedule != "" && len(m.opts.Scrapers) > 0 {
		_, err := c.AddFunc(m.opts.HarvestSchedule, func() {
			l.Debug().Msg("Harvest schedule triggered.")
			m.Harvest(context.Background())
		})
		if err != nil {
			return fmt.Errorf("manager: invalid harvest schedule %q: %w", m.opts.HarvestSchedule, err)
		}
		jobs++
		l.Info().Str("schedule", m.opts.HarvestSchedule).Int("sources", len(m.opts.Scrapers)).Msg("Harvest scheduled.")
	}

	if jobs == 0 {
		return nil
	}
	m.cron = c
	c.Start()
	l.Info().Msg("Proxy pool scheduler started.")
	return nil
}

// Stop 停止定时任务并等待正在运行的检测结束。
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Proxy pool scheduler stopped.")
}

// ListAvailable 返回状态为可用的代理, 保持库存顺序。存储故障时返回空列表。
func (m *Manager) ListAvailable(ctx context.Context) []model.Descriptor {
	records, err := m.storage.FetchAvailable(ctx)
	if err != nil {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Error().Err(err).Msg("Failed to fetch available proxies.")
		return []model.Descriptor{}
	}
	return descriptors(records)
}

// ListAll 返回全部代理 (不区分状态), 供全量故障切换使用。存储故障时返回空列表。
func (m *Manager) ListAll(ctx context.Context) []model.Descriptor {
	records, err := m.storage.FetchAll(ctx)
	if err != nil {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Error().Err(err).Msg("Failed to fetch proxies.")
		return []model.Descriptor{}
	}
	return descriptors(records)
}

func descriptors(records []*model.Record) []model.Descriptor {
	out := make([]model.Descriptor, 0, len(records))
	for _, r := range records {
		if r.Host == "" || r.Port == 0 {
			continue
		}
		out = append(out, r.Descriptor())
	}
	return out
}

// Reconcile 检测库存中的每一个代理, 状态与库中记录不一致的行批量回写新状态和时间戳。
func (m *Manager) Reconcile(ctx context.Context) ReconcileReport {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Starting full proxy health check...")

	report := ReconcileReport{}
	defer func() {
		if m.opts.OnReconcile != nil {
			m.opts.OnReconcile(report)
		}
	}()

	records, err := m.storage.FetchAll(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Failed to fetch proxies for reconcile.")
		return report
	}
	report.Total = len(records)
	if len(records) == 0 {
		return report
	}

	ds := make([]model.Descriptor, len(records))
	for i, r := range records {
		ds[i] = r.Descriptor()
	}
	results := validator.CheckAll(ctx, m.checker, ds, m.opts.CheckConcurrency)
	m.opts.Metrics.RecordProxyChecks(results)

	now := m.now()
	var updates []*model.Record
	for i, healthy := range results {
		status := model.StatusOf(healthy)
		if records[i].Status == status {
			continue
		}
		updated := *records[i]
		updated.Status = status
		updated.UpdatedAt = now
		updates = append(updates, &updated)
	}
	if len(updates) == 0 {
		l.Info().Int("total", report.Total).Msg("Reconcile finished, no status changes.")
		return report
	}

	if err := m.storage.BulkUpdateStatus(ctx, updates); err != nil {
		l.Error().Err(err).Int("attempted", len(updates)).Msg("Failed to update proxy statuses.")
		return report
	}
	report.Updated = len(updates)
	m.opts.Metrics.RecordReconcileUpdates(report.Updated)
	l.Info().Int("total", report.Total).Int("updated", report.Updated).Msg("Reconcile finished.")
	return report
}

// Ingest 解析文本中的代理 (一行一个, 格式 protocol://ip:port), 并发检测,
// 将通过检测的代理批量入库, 返回入库数量。无法解析的行直接跳过。
//
// 新入库的代理状态为 0, 需要等待下一次 Reconcile 才会被标记为可用。
func (m *Manager) Ingest(ctx context.Context, content string) (int, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Parsing and checking submitted proxies...")

	candidates := ParseProxyLines(content)
	if len(candidates) == 0 {
		l.Warn().Msg("No proxies matched the expected format.")
		return 0, nil
	}

	return m.insertHealthy(ctx, candidates)
}

// insertHealthy 并发检测候选代理, 将通过检测的批量入库 (状态为 0), 返回入库数量。
func (m *Manager) insertHealthy(ctx context.Context, candidates []model.Descriptor) (int, error) {
	l := logger.WithComponent("ProxyPool/Manager")

	results := validator.CheckAll(ctx, m.checker, candidates, m.opts.CheckConcurrency)
	m.opts.Metrics.RecordProxyChecks(results)

	now := m.now()
	var inserts []*model.Record
	for i, ok := range results {
		if !ok {
			continue
		}
		inserts = append(inserts, &model.Record{
			Protocol:  candidates[i].Protocol,
			Host:      candidates[i].Host,
			Port:      candidates[i].Port,
			Status:    model.StatusUnavailable,
			UpdatedAt: now,
		})
	}
	if len(inserts) == 0 {
		l.Info().Int("parsed", len(candidates)).Msg("No healthy proxies to insert.")
		return 0, nil
	}

	if err := m.storage.BulkInsert(ctx, inserts); err != nil {
		l.Error().Err(err).Int("attempted", len(inserts)).Msg("Failed to insert proxies.")
		return 0, fmt.Errorf("manager: ingest: %w", err)
	}
	m.opts.Metrics.RecordIngested(len(inserts))
	l.Info().Int("parsed", len(candidates)).Int("inserted", len(inserts)).Msg("Proxies inserted.")
	return len(inserts), nil
}

// Harvest 从所有配置的公开代理源抓取代理, 去掉库存中已有的和重复的,
// 其余按 Ingest 的规则检测入库。单个源失败只记录日志。
func (m *Manager) Harvest(ctx context.Context) HarvestReport {
	l := logger.WithComponent("ProxyPool/Manager")
	report := HarvestReport{}
	if len(m.opts.Scrapers) == 0 {
		return report
	}

	seen := make(map[string]struct{})
	records, err := m.storage.FetchAll(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Failed to fetch inventory before harvest.")
		return report
	}
	for _, r := range records {
		seen[r.Descriptor().Key()] = struct{}{}
	}

	var fresh []model.Descriptor
	for _, s := range m.opts.Scrapers {
		proxies, err := s.Scrape(ctx)
		if err != nil {
			l.Warn().Err(err).Str("source", s.Name()).Msg("Scrape failed.")
			continue
		}
		report.Scraped += len(proxies)
		for _, p := range proxies {
			if _, dup := seen[p.Key()]; dup {
				continue
			}
			seen[p.Key()] = struct{}{}
			fresh = append(fresh, p)
		}
	}
	report.New = len(fresh)
	if len(fresh) == 0 {
		l.Info().Int("scraped", report.Scraped).Msg("Harvest found no new proxies.")
		return report
	}

	inserted, err := m.insertHealthy(ctx, fresh)
	if err != nil {
		return report
	}
	report.Inserted = inserted
	l.Info().Int("scraped", report.Scraped).Int("new", report.New).Int("inserted", report.Inserted).Msg("Harvest finished.")
	return report
}

// ParseProxyLines extracts one descriptor per line of content. Blank lines,
// lines without a match, unsupported protocols and invalid ports are skipped.
func ParseProxyLines(content string) []model.Descriptor {
	var out []model.Descriptor
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		match := ingestPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		protocol, ok := model.ParseProtocol(strings.ToLower(match[1]))
		if !ok {
			continue
		}
		port, err := strconv.Atoi(match[3])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		out = append(out, model.Descriptor{Protocol: protocol, Host: match[2], Port: port})
	}
	return out
}
