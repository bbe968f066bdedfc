// Package archive schedules cold-storage runs that move aged trading
// history out of the primary database.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	s3blob "github.com/stockpilot/stockpilot/internal/blob/s3"
)

// Runner executes archive runs on a cron schedule.
type Runner struct {
	archiver      *s3blob.Archiver
	retentionDays int
	logger        *slog.Logger
}

// NewRunner creates a Runner keeping retentionDays of history hot.
func NewRunner(archiver *s3blob.Archiver, retentionDays int, logger *slog.Logger) *Runner {
	return &Runner{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive_runner")),
	}
}

// Run executes a single archive pass. The cutoff is retentionDays before
// now; everything closed or logged before it moves to object storage.
func (r *Runner) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(r.retentionDays) * 24 * time.Hour)
	r.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", r.retentionDays),
	)

	positions, err := r.archiver.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: positions before %v: %w", cutoff, err)
	}
	auditRows, err := r.archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: audit before %v: %w", cutoff, err)
	}

	r.logger.Info("archive run complete",
		slog.Int64("positions_archived", positions),
		slog.Int64("audit_rows_archived", auditRows),
	)
	return nil
}

// RunCron runs until the context is cancelled, firing on a standard 5-field
// cron expression: "minute hour day-of-month month day-of-week". For
// example "0 18 * * *" runs daily at 18:00 UTC, after the session close.
func (r *Runner) RunCron(ctx context.Context, cronExpr string) error {
	r.logger.Info("archive cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("archive: parsing cron expression %q: %w", cronExpr, err)
		}

		wait := time.Until(next)
		r.logger.Debug("waiting for next archive trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("archive cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := r.Run(ctx); err != nil {
				r.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is one parsed cron field.
type cronField struct {
	wildcard bool
	values   []int
}

func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single field (e.g. "0", "*", "1,15", "1-5").
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	var values []int
	for _, p := range strings.Split(field, ",") {
		p = strings.TrimSpace(p)
		if lo, hi, ok := strings.Cut(p, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid cron range start %q: %w", lo, err)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid cron range end %q: %w", hi, err)
			}
			if end < start {
				return cronField{}, fmt.Errorf("invalid cron range %q", p)
			}
			for v := start; v <= end; v++ {
				values = append(values, v)
			}
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	var (
		parsed parsedCron
		err    error
	)
	if parsed.minute, err = parseCronField(fields[0]); err != nil {
		return parsedCron{}, fmt.Errorf("parsing minute field: %w", err)
	}
	if parsed.hour, err = parseCronField(fields[1]); err != nil {
		return parsedCron{}, fmt.Errorf("parsing hour field: %w", err)
	}
	if parsed.dayOfMonth, err = parseCronField(fields[2]); err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-month field: %w", err)
	}
	if parsed.month, err = parseCronField(fields[3]); err != nil {
		return parsedCron{}, fmt.Errorf("parsing month field: %w", err)
	}
	if parsed.dayOfWeek, err = parseCronField(fields[4]); err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-week field: %w", err)
	}
	return parsed, nil
}

// nextCronTime finds the first matching minute after 'after', searching at
// most one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
