package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/portwatch/portwatch/internal/logging"
	"github.com/portwatch/portwatch/internal/scanner"
)

// ScanStore persists scan results and serves scan history reads.
type ScanStore struct {
	db     *DB
	logger *logging.Logger
}

// NewScanStore creates a scan store.
func NewScanStore(database *DB, logger *logging.Logger) *ScanStore {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &ScanStore{
		db:     database,
		logger: logger.WithComponent("scan_store"),
	}
}

// SaveScanResult writes one extracted result tree as a scan row with its
// host, port and script children in a single transaction. It returns the
// new scan id.
func (s *ScanStore) SaveScanResult(
	ctx context.Context,
	target, profile, arguments string,
	result *scanner.Result,
	startedAt, finishedAt time.Time,
) (_ uuid.UUID, err error) {
	start := time.Now()
	defer func() { observeQuery("save_scan_result", start, err) }()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, sanitizeDBError("begin save scan result", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	scanID := uuid.New()
	var summary *string
	if result.Stats.Summary != "" {
		summary = &result.Stats.Summary
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scans (id, target, profile, arguments, status, started_at,
		                   finished_at, elapsed, summary, hosts_up, hosts_down, hosts_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		scanID, target, profile, arguments, "completed", startedAt,
		finishedAt, result.Stats.Elapsed, summary,
		result.Stats.HostsUp, result.Stats.HostsDown, result.Stats.HostsTotal,
	)
	if err != nil {
		return uuid.Nil, sanitizeDBError("insert scan", err)
	}

	for i := range result.Hosts {
		if err := saveHost(ctx, tx, scanID, &result.Hosts[i]); err != nil {
			return uuid.Nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, sanitizeDBError("commit save scan result", err)
	}

	s.logger.InfoDatabase("saved scan result",
		"scan_id", scanID.String(), "target", target, "hosts", len(result.Hosts))
	return scanID, nil
}

func saveHost(ctx context.Context, tx *sqlx.Tx, scanID uuid.UUID, host *scanner.Host) error {
	hostID := uuid.New()

	var mac, hostname, osName *string
	if host.MAC != "" {
		mac = &host.MAC
	}
	if host.Hostname != "" {
		hostname = &host.Hostname
	}

	var osInfo JSONB
	if host.OS != nil {
		osName = &host.OS.Name
		if raw, err := json.Marshal(host.OS); err == nil {
			osInfo = JSONB(raw)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO hosts (id, scan_id, status, ip, mac, hostname, os_name, os_info, distance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		hostID, scanID, host.Status, host.IP, mac, hostname, osName, osInfo, host.Distance,
	)
	if err != nil {
		return sanitizeDBError("insert host", err)
	}

	for i := range host.Ports {
		if err := savePort(ctx, tx, hostID, &host.Ports[i]); err != nil {
			return err
		}
	}
	return nil
}

func savePort(ctx context.Context, tx *sqlx.Tx, hostID uuid.UUID, port *scanner.Port) error {
	portID := uuid.New()

	var reason, service, versionInfo *string
	if port.Reason != "" {
		reason = &port.Reason
	}
	if port.Service != "" {
		service = &port.Service
	}
	if port.VersionInfo != "" {
		versionInfo = &port.VersionInfo
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO ports (id, host_id, protocol, number, state, reason, service, version_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		portID, hostID, port.Protocol, int(port.Number), port.State,
		reason, service, versionInfo,
	)
	if err != nil {
		return sanitizeDBError("insert port", err)
	}

	for _, script := range port.Scripts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scripts (id, port_id, script_id, output)
			VALUES ($1, $2, $3, $4)`,
			uuid.New(), portID, script.ID, script.Output,
		)
		if err != nil {
			return sanitizeDBError("insert script output", err)
		}
	}
	return nil
}

// GetScan returns one scan row by id.
func (s *ScanStore) GetScan(ctx context.Context, id uuid.UUID) (*Scan, error) {
	var scan Scan
	err := s.db.GetContext(ctx, &scan, `SELECT * FROM scans WHERE id = $1`, id)
	if err != nil {
		return nil, sanitizeDBError("get scan", err)
	}
	return &scan, nil
}

// ListScans returns scan history ordered newest first.
func (s *ScanStore) ListScans(ctx context.Context, limit, offset int) (_ []*Scan, err error) {
	start := time.Now()
	defer func() { observeQuery("list_scans", start, err) }()

	if limit <= 0 {
		limit = 50
	}

	var scans []*Scan
	err = s.db.SelectContext(ctx, &scans, `
		SELECT * FROM scans ORDER BY started_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, sanitizeDBError("list scans", err)
	}
	return scans, nil
}

// GetScanHosts returns the host rows of one scan.
func (s *ScanStore) GetScanHosts(ctx context.Context, scanID uuid.UUID) ([]*Host, error) {
	var hosts []*Host
	err := s.db.SelectContext(ctx, &hosts, `
		SELECT * FROM hosts WHERE scan_id = $1 ORDER BY ip`, scanID)
	if err != nil {
		return nil, sanitizeDBError("get scan hosts", err)
	}
	return hosts, nil
}

// GetHostPorts returns the port rows of one host.
func (s *ScanStore) GetHostPorts(ctx context.Context, hostID uuid.UUID) ([]*Port, error) {
	var ports []*Port
	err := s.db.SelectContext(ctx, &ports, `
		SELECT * FROM ports WHERE host_id = $1 ORDER BY protocol, number`, hostID)
	if err != nil {
		return nil, sanitizeDBError("get host ports", err)
	}
	return ports, nil
}

// DeleteScan removes a scan and, through cascading constraints, its hosts,
// ports and script outputs.
func (s *ScanStore) DeleteScan(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE id = $1`, id)
	if err != nil {
		return sanitizeDBError("delete scan", err)
	}
	return requireAffected(result, "delete scan")
}
