package protocol

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	goora "github.com/sijms/go-ora/v2"
)

// Opener opens a database handle. sql.Open by default; tests swap in sqlmock.
type Opener func(driverName, dsn string) (*sql.DB, error)

var driverMap = map[Engine]string{
	EnginePostgres:  "postgres",
	EngineMySQL:     "mysql",
	EngineSQLServer: "sqlserver",
	EngineOracle:    "oracle",
}

var versionQueries = map[Engine]string{
	EnginePostgres:  "SELECT version()",
	EngineMySQL:     "SELECT VERSION()",
	EngineSQLServer: "SELECT @@VERSION",
	EngineOracle:    "SELECT banner FROM v$version WHERE ROWNUM = 1",
}

// SQLProber probes a database/sql engine.
type SQLProber struct {
	engine Engine
	Open   Opener
}

// NewSQLProber creates a prober for a SQL engine.
func NewSQLProber(e Engine) *SQLProber {
	return &SQLProber{engine: e, Open: sql.Open}
}

// Engine returns the engine this prober serves.
func (p *SQLProber) Engine() Engine { return p.engine }

// Probe opens a single connection, pings it and reads the server version.
func (p *SQLProber) Probe(ctx context.Context, ep Endpoint) (ProbeResult, error) {
	driver, ok := driverMap[p.engine]
	if !ok {
		return ProbeResult{}, fmt.Errorf("unsupported database type: %s", p.engine)
	}
	dsn, err := BuildDSN(p.engine, ep)
	if err != nil {
		return ProbeResult{}, err
	}

	open := p.Open
	if open == nil {
		open = sql.Open
	}
	db, err := open(driver, dsn)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("failed to open database connection: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	if err := db.PingContext(ctx); err != nil {
		return ProbeResult{}, err
	}

	var version string
	if err := db.QueryRowContext(ctx, versionQueries[p.engine]).Scan(&version); err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{Engine: p.engine, Version: version}, nil
}

// BuildDSN renders the driver connection string for an endpoint.
func BuildDSN(e Engine, ep Endpoint) (string, error) {
	switch e {
	case EnginePostgres:
		return buildPostgreSQLConnString(ep), nil
	case EngineMySQL:
		return buildMySQLConnString(ep), nil
	case EngineSQLServer:
		return buildSQLServerConnString(ep), nil
	case EngineOracle:
		return buildOracleConnString(ep), nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", e)
	}
}

func buildPostgreSQLConnString(ep Endpoint) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(ep.Username, ep.Password),
		Host:   ep.Address(),
		Path:   "/" + orDefault(ep.Database, "postgres"),
	}
	q := url.Values{}
	q.Set("sslmode", ep.option("sslmode", "prefer"))
	if ep.Timeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(seconds(ep)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func buildMySQLConnString(ep Endpoint) string {
	// username:password@tcp(host:port)/database
	params := []string{"parseTime=true"}
	if ep.Timeout > 0 {
		params = append(params, "timeout="+ep.Timeout.String())
	}
	if tls := ep.option("tls", ""); tls != "" {
		params = append(params, "tls="+tls)
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?%s",
		ep.Username,
		ep.Password,
		ep.Address(),
		ep.Database,
		strings.Join(params, "&"),
	)
}

func buildSQLServerConnString(ep Endpoint) string {
	q := url.Values{}
	if ep.Database != "" {
		q.Set("database", ep.Database)
	}
	if ep.Timeout > 0 {
		q.Set("dial timeout", strconv.Itoa(seconds(ep)))
	}
	if enc := ep.option("encrypt", ""); enc != "" {
		q.Set("encrypt", enc)
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(ep.Username, ep.Password),
		Host:     ep.Address(),
		RawQuery: q.Encode(),
	}
	return u.String()
}

func buildOracleConnString(ep Endpoint) string {
	service := ep.option("service_name", orDefault(ep.Database, "ORCL"))
	opts := map[string]string{}
	if ep.Timeout > 0 {
		opts["CONNECTION TIMEOUT"] = strconv.Itoa(seconds(ep))
	}
	return goora.BuildUrl(ep.Host, ep.Port, service, ep.Username, ep.Password, opts)
}

func seconds(ep Endpoint) int {
	s := int(ep.Timeout.Seconds())
	if s < 1 {
		return 1
	}
	return s
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
