// Package alerts evaluates threshold rules against snapshots and notifies
// when one is breached. Evaluation runs on its own goroutine so a slow
// notifier never delays sampling.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metorial/aegis/internal/models"
)

const DefaultCooldown = 5 * time.Minute

type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "mem"
)

type Rule struct {
	ID        string  `mapstructure:"id" json:"id"`
	Metric    Metric  `mapstructure:"metric" json:"metric"`
	Threshold float64 `mapstructure:"threshold" json:"threshold"`
	Enabled   bool    `mapstructure:"enabled" json:"enabled"`
}

func DefaultRules() []Rule {
	return []Rule{
		{ID: "cpu_high", Metric: MetricCPU, Threshold: 90, Enabled: true},
		{ID: "mem_critical", Metric: MetricMemory, Threshold: 95, Enabled: true},
	}
}

// value returns the rule's metric as a percentage.
func (r Rule) value(snap *models.Snapshot) (float64, bool) {
	switch r.Metric {
	case MetricCPU:
		return snap.CPU.GlobalUsagePercent, true
	case MetricMemory:
		if snap.Memory.TotalMB <= 0 {
			return 0, false
		}
		return snap.MemoryPercent(), true
	}
	return 0, false
}

type Alert struct {
	RuleID    string    `json:"rule_id"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Hostname  string    `json:"hostname"`
	FiredAt   time.Time `json:"fired_at"`
}

func (a Alert) Message() string {
	return fmt.Sprintf("AEGIS ALERT [%s] %s: %s threshold breached, current %.1f%% (limit %.1f%%)",
		a.Hostname, a.RuleID, a.Metric, a.Value, a.Threshold)
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type Engine struct {
	rules     []Rule
	notifiers []Notifier
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	in    chan *models.Snapshot
	fired atomic.Uint64

	mu        sync.Mutex
	lastFired map[string]time.Time
}

func New(rules []Rule, cooldown time.Duration, logger *slog.Logger, notifiers ...Notifier) *Engine {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Engine{
		rules:     rules,
		notifiers: notifiers,
		cooldown:  cooldown,
		logger:    logger.With("component", "alerts"),
		now:       time.Now,
		in:        make(chan *models.Snapshot, 1),
		lastFired: make(map[string]time.Time),
	}
}

// Enabled reports whether any rule is enabled.
func (e *Engine) Enabled() bool {
	for _, r := range e.rules {
		if r.Enabled {
			return true
		}
	}
	return false
}

// Publish hands snap to the evaluation goroutine. If the previous snapshot
// has not been picked up yet, snap is dropped.
func (e *Engine) Publish(snap *models.Snapshot) {
	select {
	case e.in <- snap:
	default:
	}
}

func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-e.in:
			for _, alert := range e.Evaluate(snap) {
				e.notify(ctx, alert)
			}
		}
	}
}

// Evaluate returns the alerts snap triggers, honoring each rule's cooldown.
func (e *Engine) Evaluate(snap *models.Snapshot) []Alert {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var alerts []Alert
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if last, ok := e.lastFired[rule.ID]; ok && now.Sub(last) < e.cooldown {
			continue
		}

		val, ok := rule.value(snap)
		if !ok || val <= rule.Threshold {
			continue
		}

		e.lastFired[rule.ID] = now
		alerts = append(alerts, Alert{
			RuleID:    rule.ID,
			Metric:    rule.Metric,
			Value:     val,
			Threshold: rule.Threshold,
			Hostname:  snap.Metadata.Hostname,
			FiredAt:   now,
		})
	}
	return alerts
}

func (e *Engine) notify(ctx context.Context, alert Alert) {
	e.fired.Add(1)
	for _, n := range e.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			e.logger.Warn("Alert notification failed", "rule", alert.RuleID, "error", err)
		}
	}
}

// Fired returns how many alerts have been dispatched to notifiers.
func (e *Engine) Fired() uint64 {
	return e.fired.Load()
}
