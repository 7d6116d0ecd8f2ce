// Package protocol holds the protocol clients the verifiers depend on.
//
// Each client is an interface with a default implementation backed by a
// real driver or library, so verifiers can be tested against fakes.
package protocol

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"
)

// Engine identifies a database engine.
type Engine string

const (
	EnginePostgres  Engine = "postgresql"
	EngineMySQL     Engine = "mysql"
	EngineSQLServer Engine = "sqlserver"
	EngineOracle    Engine = "oracle"
	EngineMongoDB   Engine = "mongodb"
	EngineRedis     Engine = "redis"
)

// ParseEngine maps common aliases to an Engine.
func ParseEngine(s string) (Engine, bool) {
	switch s {
	case "postgresql", "postgres", "pg":
		return EnginePostgres, true
	case "mysql", "mariadb":
		return EngineMySQL, true
	case "sqlserver", "mssql":
		return EngineSQLServer, true
	case "oracle":
		return EngineOracle, true
	case "mongodb", "mongo":
		return EngineMongoDB, true
	case "redis":
		return EngineRedis, true
	}
	return "", false
}

// DefaultPorts maps each engine to its usual port.
var DefaultPorts = map[Engine]int{
	EnginePostgres:  5432,
	EngineMySQL:     3306,
	EngineSQLServer: 1433,
	EngineOracle:    1521,
	EngineMongoDB:   27017,
	EngineRedis:     6379,
}

// Endpoint is what a prober needs to log in to a database.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string

	// Options carries engine-specific settings such as sslmode,
	// auth_source, service_name or tls.
	Options map[string]string

	Timeout time.Duration
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) option(key, fallback string) string {
	if v, ok := e.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// ProbeResult is what one identity/version query returned.
type ProbeResult struct {
	Engine  Engine
	Version string
}

// Prober logs in to one engine and runs a minimal version query.
type Prober interface {
	Engine() Engine
	Probe(ctx context.Context, ep Endpoint) (ProbeResult, error)
}

// Registry holds one prober per engine.
type Registry struct {
	probers map[Engine]Prober
}

// NewRegistry creates an empty prober registry.
func NewRegistry() *Registry {
	return &Registry{probers: make(map[Engine]Prober)}
}

// DefaultRegistry returns probers backed by the real drivers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, e := range []Engine{EnginePostgres, EngineMySQL, EngineSQLServer, EngineOracle} {
		_ = r.Register(NewSQLProber(e))
	}
	_ = r.Register(&MongoProber{})
	_ = r.Register(&RedisProber{})
	return r
}

// Register adds a prober.
func (r *Registry) Register(p Prober) error {
	if p == nil {
		return fmt.Errorf("prober cannot be nil")
	}
	if _, exists := r.probers[p.Engine()]; exists {
		return fmt.Errorf("prober for %s already registered", p.Engine())
	}
	r.probers[p.Engine()] = p
	return nil
}

// Get returns the prober for an engine.
func (r *Registry) Get(e Engine) (Prober, error) {
	p, ok := r.probers[e]
	if !ok {
		return nil, fmt.Errorf("no prober registered for %s", e)
	}
	return p, nil
}

// Engines lists the registered engines in name order.
func (r *Registry) Engines() []Engine {
	out := make([]Engine, 0, len(r.probers))
	for e := range r.probers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
