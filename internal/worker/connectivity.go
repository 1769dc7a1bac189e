package worker

import (
	"context"
	"log/slog"
	"time"
)

// Pinger checks whether the backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NetworkSink receives connectivity changes.
type NetworkSink interface {
	SetNetwork(online bool)
}

// ConnectivityProbe pings the backend on an interval and reports
// connectivity to the sink. It goes offline only after failureThreshold
// consecutive failures, and back online on the first success.
type ConnectivityProbe struct {
	pinger           Pinger
	sink             NetworkSink
	interval         time.Duration
	timeout          time.Duration
	failureThreshold int

	failures int
	online   *bool
}

// NewConnectivityProbe creates a probe.
func NewConnectivityProbe(p Pinger, sink NetworkSink, interval, timeout time.Duration, failureThreshold int) *ConnectivityProbe {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &ConnectivityProbe{
		pinger:           p,
		sink:             sink,
		interval:         interval,
		timeout:          timeout,
		failureThreshold: failureThreshold,
	}
}

// Run probes immediately and then on each tick. Blocks until ctx is
// cancelled.
func (p *ConnectivityProbe) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "connectivity-probe",
		"action", "worker_started",
		"interval", p.interval.String(),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "connectivity-probe",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe runs one check and reports a change of connectivity. It is not
// safe for concurrent use; Run calls it from a single goroutine.
func (p *ConnectivityProbe) Probe(ctx context.Context) {
	pctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err := p.pinger.Ping(pctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		p.failures = 0
		p.report(true, nil)
		return
	}

	p.failures++
	slog.Debug("backend unreachable",
		"component", "worker",
		"worker", "connectivity-probe",
		"failures", p.failures,
		"error", err,
	)
	if p.failures >= p.failureThreshold {
		p.report(false, err)
	}
}

func (p *ConnectivityProbe) report(online bool, cause error) {
	if p.online != nil && *p.online == online {
		return
	}
	p.online = &online
	if online {
		slog.Info("backend reachable",
			"component", "worker",
			"worker", "connectivity-probe",
		)
	} else {
		slog.Warn("backend unreachable, going offline",
			"component", "worker",
			"worker", "connectivity-probe",
			"failures", p.failures,
			"error", cause,
		)
	}
	p.sink.SetNetwork(online)
}
