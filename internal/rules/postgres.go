package rules

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PostgresProvider loads the active rule set from Postgres and refreshes it
// on an interval. Current() is lock-free: snapshots are swapped atomically
// and never mutated, so a refresh landing mid-request is invisible to that
// request.
type PostgresProvider struct {
	db       *sql.DB
	interval time.Duration
	logger   *zap.Logger
	current  atomic.Pointer[Snapshot]
	done     chan struct{}
}

// NewPostgresProvider loads the initial snapshot (falling back to builtins
// for any table that is empty) and starts the refresh loop.
func NewPostgresProvider(db *sql.DB, interval time.Duration, logger *zap.Logger) (*PostgresProvider, error) {
	p := &PostgresProvider{
		db:       db,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}

	snap, err := p.load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("rules: initial load: %w", err)
	}
	p.current.Store(snap)

	go p.refreshLoop()
	return p, nil
}

func (p *PostgresProvider) Current() *Snapshot {
	return p.current.Load()
}

// Close stops the refresh loop.
func (p *PostgresProvider) Close() {
	close(p.done)
}

func (p *PostgresProvider) refreshLoop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			snap, err := p.load(ctx)
			cancel()
			if err != nil {
				// Keep serving the previous snapshot.
				p.logger.Warn("rule refresh failed, keeping current snapshot", zap.Error(err))
				continue
			}
			p.current.Store(snap)
			p.logger.Info("rule snapshot refreshed",
				zap.String("version", snap.Version),
				zap.Int("entity_patterns", len(snap.EntityPatterns)),
				zap.Int("injection_signatures", len(snap.InjectionSignatures)),
			)
		case <-p.done:
			return
		}
	}
}

// load reads enabled rules. Rows with invalid regex are skipped with a
// warning rather than failing the refresh: one bad authored rule must not
// take down detection.
func (p *PostgresProvider) load(ctx context.Context) (*Snapshot, error) {
	snap := DefaultSnapshot()

	version := "builtin"
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version::text), 'builtin') FROM rule_sets WHERE active = true`,
	).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("rules: query version: %w", err)
	}
	snap.Version = version

	rows, err := p.db.QueryContext(ctx, `
		SELECT entity_type, pattern, confidence
		FROM entity_patterns
		WHERE enabled = true
		ORDER BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("rules: query entity_patterns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typeName, pattern string
		var confidence float64
		if err := rows.Scan(&typeName, &pattern, &confidence); err != nil {
			return nil, fmt.Errorf("rules: scan entity pattern: %w", err)
		}
		typ, ok := entityTypeNames[typeName]
		if !ok {
			p.logger.Warn("skipping entity pattern with unknown type", zap.String("type", typeName))
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			p.logger.Warn("skipping entity pattern with invalid regex",
				zap.String("type", typeName), zap.Error(err))
			continue
		}
		snap.EntityPatterns = append(snap.EntityPatterns, EntityPattern{
			Type:       typ,
			Regex:      re,
			Confidence: confidence,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rules: iterate entity_patterns: %w", err)
	}

	sigRows, err := p.db.QueryContext(ctx, `
		SELECT name, subtype, pattern, confidence, severity
		FROM injection_signatures
		WHERE enabled = true
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("rules: query injection_signatures: %w", err)
	}
	defer sigRows.Close()

	for sigRows.Next() {
		var name, subtype, pattern, severity string
		var confidence float64
		if err := sigRows.Scan(&name, &subtype, &pattern, &confidence, &severity); err != nil {
			return nil, fmt.Errorf("rules: scan injection signature: %w", err)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			p.logger.Warn("skipping injection signature with invalid regex",
				zap.String("name", name), zap.Error(err))
			continue
		}
		snap.InjectionSignatures = append(snap.InjectionSignatures, InjectionSignature{
			Name:       name,
			Subtype:    subtype,
			Regex:      re,
			Confidence: confidence,
			Severity:   severityFromName(severity),
		})
	}
	if err := sigRows.Err(); err != nil {
		return nil, fmt.Errorf("rules: iterate injection_signatures: %w", err)
	}

	leakRows, err := p.db.QueryContext(ctx, `
		SELECT name, pattern, confidence, severity
		FROM leak_fingerprints
		WHERE enabled = true
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("rules: query leak_fingerprints: %w", err)
	}
	defer leakRows.Close()

	for leakRows.Next() {
		var name, pattern, severity string
		var confidence float64
		if err := leakRows.Scan(&name, &pattern, &confidence, &severity); err != nil {
			return nil, fmt.Errorf("rules: scan leak fingerprint: %w", err)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			p.logger.Warn("skipping leak fingerprint with invalid regex",
				zap.String("name", name), zap.Error(err))
			continue
		}
		snap.LeakFingerprints = append(snap.LeakFingerprints, LeakFingerprint{
			Name:       name,
			Regex:      re,
			Confidence: confidence,
			Severity:   severityFromName(severity),
		})
	}
	if err := leakRows.Err(); err != nil {
		return nil, fmt.Errorf("rules: iterate leak_fingerprints: %w", err)
	}

	return snap, nil
}
