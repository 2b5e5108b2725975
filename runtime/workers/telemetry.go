package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"parley/observability"
)

// TelemetryWorker periodically logs an engine snapshot together with the
// process's own memory and CPU usage.
type TelemetryWorker struct {
	log      *slog.Logger
	stats    *observability.Manager
	interval time.Duration
}

func NewTelemetryWorker(log *slog.Logger, stats *observability.Manager, interval time.Duration) *TelemetryWorker {
	return &TelemetryWorker{log: log, stats: stats, interval: interval}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	w.log.Info("Starting telemetry worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rss, cpu, err := selfStats(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}
			snap := w.stats.Snapshot()
			w.log.Info("Engine stats",
				"sessions_open", snap.SessionsOpen,
				"messages_committed", snap.MessagesCommitted,
				"duplicate_sends", snap.DuplicateSends,
				"events_fanned_out", snap.EventsFannedOut,
				"read_receipts", snap.ReadReceipts,
				"dropped_sessions", snap.DroppedSessions,
				"typing_expired", snap.TypingExpired,
				"ram_bytes", rss,
				"cpu_percent", cpu,
			)
		}
	}
}

func selfStats(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
