package chzzkchat

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
)

var longTokenRe = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{40,}`)

type dropReasonSummary struct {
	total      int
	byKind     map[string]int
	sampleByKd map[string]string
}

// dropLogger aggregates skipped frames and elements so a noisy upstream does
// not flood the log with one line per drop.
type dropLogger struct {
	logger   *slog.Logger
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*dropReasonSummary
}

func newDropLogger(logger *slog.Logger, now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &dropLogger{
		logger:   logger,
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReasonSummary),
	}
}

// note records one drop. kind is the frame kind the dropped unit came from.
func (d *dropLogger) note(now time.Time, reason, kind, sample string) {
	if d == nil {
		return
	}
	sample = sanitizeAndTruncate(sample, dropSampleMaxLen)
	if d.verbose {
		d.logger.Debug("chzzkchat: dropped element",
			"reason", reason,
			"kind", kind,
			"sample", sample,
		)
	}

	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReasonSummary{
			byKind:     make(map[string]int),
			sampleByKd: make(map[string]string),
		}
		d.reasons[reason] = entry
	}

	entry.total++
	entry.byKind[kind]++
	if _, ok := entry.sampleByKd[kind]; !ok {
		entry.sampleByKd[kind] = sample
	}

	if !now.Before(d.nextEmit) {
		d.flush(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	if len(d.reasons) == 0 {
		d.nextEmit = now.Add(d.interval)
		return
	}

	for _, reason := range sortedKeys(d.reasons) {
		rs := d.reasons[reason]
		if rs == nil || rs.total == 0 {
			continue
		}
		d.logger.Info("chzzkchat: dropped_"+reason,
			"total", rs.total,
			"kinds", formatKindCounts(rs.byKind),
			"samples", formatKindSamples(rs.sampleByKd),
		)
	}

	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	// keep the cut on a rune boundary; nicknames are mostly Hangul
	cut := max - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func formatKindCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, kind := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", kind, counts[kind]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatKindSamples(samples map[string]string) string {
	if len(samples) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(samples))
	for _, kind := range sortedKeys(samples) {
		parts = append(parts, kind+":'"+samples[kind]+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
