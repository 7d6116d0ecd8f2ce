package verifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/protocol"
)

var databaseAliases = aliases{
	"host":          {"hostname", "server"},
	"username":      {"user"},
	"database":      {"dbname", "db"},
	"database_type": {"db_type", "engine"},
}

// autoDetectOrder is the fallback engine order when the port says nothing.
var autoDetectOrder = []protocol.Engine{
	protocol.EnginePostgres,
	protocol.EngineMySQL,
	protocol.EngineSQLServer,
	protocol.EngineOracle,
	protocol.EngineMongoDB,
	protocol.EngineRedis,
}

// DatabaseVerifier logs in to a database engine and reads its version.
type DatabaseVerifier struct {
	decryptor Decryptor
	probers   *protocol.Registry
	timeout   time.Duration
	logger    *logging.Logger
}

// NewDatabaseVerifier creates a database verifier.
func NewDatabaseVerifier(d Decryptor, probers *protocol.Registry, timeout time.Duration, logger *logging.Logger) *DatabaseVerifier {
	return &DatabaseVerifier{decryptor: d, probers: probers, timeout: timeout, logger: logger}
}

// Type returns credential.TypeDatabase.
func (v *DatabaseVerifier) Type() credential.Type { return credential.TypeDatabase }

// ValidateCredential checks host, password and the declared engine.
func (v *DatabaseVerifier) ValidateCredential(cred *credential.Credential) ValidationResult {
	p, err := prepare(v.decryptor, cred, "password", databaseAliases)
	return validatePrepared(p, err, databaseSchema)
}

// engineForPort returns the engine whose default port is port.
func engineForPort(port int) (protocol.Engine, bool) {
	for e, p := range protocol.DefaultPorts {
		if p == port {
			return e, true
		}
	}
	return "", false
}

// candidates orders engines for auto-detect: the engine owning the port
// first, then the rest in autoDetectOrder.
func candidates(port int) []protocol.Engine {
	out := make([]protocol.Engine, 0, len(autoDetectOrder))
	first, ok := engineForPort(port)
	if ok {
		out = append(out, first)
	}
	for _, e := range autoDetectOrder {
		if ok && e == first {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Verify routes to the declared engine, the port's engine, or auto-detects.
func (v *DatabaseVerifier) Verify(ctx context.Context, cred *credential.Credential) (Result, error) {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()

	p, err := prepare(v.decryptor, cred, "password", databaseAliases)
	if err != nil {
		return finish(ctx, start, Failed("database", CategoryConfiguration, err.Error())), nil
	}
	if res := databaseSchema.validate(p.Fields); !res.Valid {
		return finish(ctx, start, Failed("database", CategoryConfiguration, "invalid database payload: "+strings.Join(res.Errors, "; "))), nil
	}

	ep := protocol.Endpoint{
		Host:     p.String("host"),
		Port:     p.Int("port"),
		Username: p.String("username"),
		Password: p.String("password"),
		Database: p.String("database"),
		Options:  p.StringMap("options"),
		Timeout:  v.timeout,
	}
	if ep.Options == nil {
		ep.Options = map[string]string{}
	}
	for _, k := range []string{"sslmode", "tls", "auth_source", "service_name", "encrypt"} {
		if s := p.String(k); s != "" {
			ep.Options[k] = s
		}
	}

	declared := strings.ToLower(p.String("database_type"))
	if declared != "" && declared != "auto" {
		engine, ok := protocol.ParseEngine(declared)
		if !ok {
			return finish(ctx, start, Failed("database", CategoryConfiguration, "unsupported database type: "+declared)), nil
		}
		return finish(ctx, start, v.probe(ctx, engine, ep)), nil
	}
	if declared == "" {
		if engine, ok := engineForPort(ep.Port); ok {
			return finish(ctx, start, v.probe(ctx, engine, ep)), nil
		}
	}

	return finish(ctx, start, v.autoDetect(ctx, ep)), nil
}

func (v *DatabaseVerifier) probe(ctx context.Context, engine protocol.Engine, ep protocol.Endpoint) Result {
	method := string(engine)
	prober, err := v.probers.Get(engine)
	if err != nil {
		return Failed(method, CategoryDependencyMissing, err.Error())
	}
	if ep.Port == 0 {
		ep.Port = protocol.DefaultPorts[engine]
	}

	v.logger.Debug("database: probing %s at %s", engine, ep.Address())
	res, err := prober.Probe(ctx, ep)
	if err != nil {
		return FailedWith(method, err)
	}
	details := map[string]interface{}{
		"engine": string(engine),
		"host":   ep.Host,
		"port":   ep.Port,
	}
	if res.Version != "" {
		details["version"] = res.Version
	}
	return Succeeded(method, fmt.Sprintf("%s authentication successful", engine), details)
}

func (v *DatabaseVerifier) autoDetect(ctx context.Context, ep protocol.Endpoint) Result {
	var plan []Strategy
	for _, engine := range candidates(ep.Port) {
		engine := engine
		plan = append(plan, Strategy{
			Name: string(engine),
			Run:  func(ctx context.Context) Result { return v.probe(ctx, engine, ep) },
		})
	}

	r := FirstSuccess(ctx, plan)
	if r.Success {
		r.Details["auto_detected"] = true
		return r
	}

	attempts, _ := r.Details["attempts"].([]map[string]interface{})
	parts := make([]string, 0, len(attempts))
	tried := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", a["method"], a["category"], a["message"]))
		tried = append(tried, fmt.Sprint(a["method"]))
	}
	sort.Strings(tried)
	r.Message = "no database engine accepted the credential: " + strings.Join(parts, "; ")
	r.Details["engines_tried"] = tried
	return r
}
