// Package registry reads desired endpoints from the Apache Guacamole database.
//
// Each Guacamole connection is one user; its "hostname" parameter is the
// address that user's VM must answer on.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/jbweber/autospawn/api/v1alpha1"
	"github.com/jbweber/autospawn/internal/config"
)

// connectionsQuery returns one row per connection with its hostname
// parameter, or NULL when the connection has none.
const connectionsQuery = `
SELECT
	c.connection_name AS username,
	MAX(CASE WHEN p.parameter_name = 'hostname' THEN p.parameter_value END) AS hostname
FROM guacamole_connection c
LEFT JOIN guacamole_connection_parameter p
	ON c.connection_id = p.connection_id
GROUP BY c.connection_id, c.connection_name`

// Row is one Guacamole connection.
type Row struct {
	Username string         `db:"username"`
	Hostname sql.NullString `db:"hostname"`
}

// Filter keeps the rows addressing the managed range.
type Filter struct {
	Prefix     string // string prefix, e.g. "192.168.220."
	RangeStart int    // inclusive last-octet bounds
	RangeEnd   int
}

// Reader lists desired endpoints. It holds a small connection pool for the
// lifetime of the process.
type Reader struct {
	db      *sqlx.DB
	filter  Filter
	timeout time.Duration
	logger  *zap.Logger
}

// Open prepares a Reader for cfg. No connection is made until first use.
func Open(cfg config.RegistryConfig, logger *zap.Logger) (*Reader, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s registry: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return NewReader(db, FilterFromConfig(cfg), cfg.QueryTimeout, logger), nil
}

// NewReader wraps an open database handle.
func NewReader(db *sqlx.DB, filter Filter, timeout time.Duration, logger *zap.Logger) *Reader {
	return &Reader{db: db, filter: filter, timeout: timeout, logger: logger}
}

// FilterFromConfig returns the address filter of cfg.
func FilterFromConfig(cfg config.RegistryConfig) Filter {
	return Filter{Prefix: cfg.AddressPrefix, RangeStart: cfg.RangeStart, RangeEnd: cfg.RangeEnd}
}

// DSN builds the driver-specific connection string. An explicit cfg.DSN wins.
func DSN(cfg config.RegistryConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	switch cfg.Driver {
	case config.RegistryMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = cfg.Database
		mc.Timeout = cfg.QueryTimeout
		return mc.FormatDSN(), nil
	case config.RegistryPostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   addr,
			Path:   "/" + cfg.Database,
		}
		if cfg.QueryTimeout > 0 {
			u.RawQuery = url.Values{"connect_timeout": {strconv.Itoa(int(cfg.QueryTimeout.Seconds()))}}.Encode()
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported registry driver %q", cfg.Driver)
	}
}

// ListDesired returns the endpoints in range. It never fails: any query
// error is logged and yields an empty result, which callers must read as
// "nothing to do".
func (r *Reader) ListDesired(ctx context.Context) []v1alpha1.Endpoint {
	rows, err := r.rows(ctx)
	if err != nil {
		r.logger.Warn("registry query failed", zap.Error(err))
		return nil
	}
	return r.filter.Apply(rows, r.logger)
}

// Ping checks the database is reachable.
func (r *Reader) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}
	return nil
}

func (r *Reader) Close() error {
	return r.db.Close()
}

func (r *Reader) rows(ctx context.Context) ([]Row, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var rows []Row
	if err := r.db.SelectContext(ctx, &rows, connectionsQuery); err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	return rows, nil
}

func (r *Reader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Apply filters rows to endpoints: rows without a hostname, outside the
// prefix, with an unparseable last octet or one outside the range are
// skipped. The first row of a user wins.
func (f Filter) Apply(rows []Row, logger *zap.Logger) []v1alpha1.Endpoint {
	seen := make(map[string]struct{}, len(rows))
	var out []v1alpha1.Endpoint
	for _, row := range rows {
		host := strings.TrimSpace(row.Hostname.String)
		if !row.Hostname.Valid || host == "" {
			continue
		}
		if !strings.HasPrefix(host, f.Prefix) {
			continue
		}

		octet, err := strconv.Atoi(host[strings.LastIndexByte(host, '.')+1:])
		if err != nil {
			logger.Debug("skipping connection with unparseable address",
				zap.String("user", row.Username), zap.String("hostname", host))
			continue
		}
		if octet < f.RangeStart || octet > f.RangeEnd {
			continue
		}

		addr, err := netip.ParseAddr(host)
		if err != nil || !addr.Is4() {
			logger.Debug("skipping connection with invalid IPv4 address",
				zap.String("user", row.Username), zap.String("hostname", host))
			continue
		}

		if _, dup := seen[row.Username]; dup {
			logger.Debug("skipping duplicate connection", zap.String("user", row.Username))
			continue
		}
		seen[row.Username] = struct{}{}
		out = append(out, v1alpha1.Endpoint{User: row.Username, Address: addr})
	}
	return out
}
