package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoProber authenticates to MongoDB and runs buildInfo.
type MongoProber struct{}

// Engine returns EngineMongoDB.
func (p *MongoProber) Engine() Engine { return EngineMongoDB }

// Probe connects with the endpoint credentials. Authentication happens on
// the first command, so a bad password fails the buildInfo call.
func (p *MongoProber) Probe(ctx context.Context, ep Endpoint) (ProbeResult, error) {
	opts := options.Client().
		ApplyURI("mongodb://" + ep.Address()).
		SetDirect(true)
	if ep.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   ep.Username,
			Password:   ep.Password,
			AuthSource: ep.option("auth_source", orDefault(ep.Database, "admin")),
		})
	}
	if ep.Timeout > 0 {
		opts.SetConnectTimeout(ep.Timeout).SetServerSelectionTimeout(ep.Timeout)
	}
	if ep.option("tls", "") == "true" {
		opts.SetTLSConfig(&tls.Config{ServerName: ep.Host, MinVersion: tls.VersionTLS12})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return ProbeResult{}, err
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	var info bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return ProbeResult{}, err
	}
	version, _ := info["version"].(string)
	return ProbeResult{Engine: EngineMongoDB, Version: version}, nil
}

// RedisProber authenticates to Redis and reads INFO server.
type RedisProber struct{}

// Engine returns EngineRedis.
func (p *RedisProber) Engine() Engine { return EngineRedis }

// Probe pings with the endpoint credentials and parses redis_version.
func (p *RedisProber) Probe(ctx context.Context, ep Endpoint) (ProbeResult, error) {
	opts := &redis.Options{
		Addr:     ep.Address(),
		Username: ep.Username,
		Password: ep.Password,
		PoolSize: 1,
	}
	if ep.Timeout > 0 {
		opts.DialTimeout = ep.Timeout
		opts.ReadTimeout = ep.Timeout
		opts.WriteTimeout = ep.Timeout
	}
	if ep.option("tls", "") == "true" {
		opts.TLSConfig = &tls.Config{ServerName: ep.Host, MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return ProbeResult{}, err
	}
	info, err := rdb.Info(ctx, "server").Result()
	if err != nil {
		return ProbeResult{}, fmt.Errorf("redis INFO failed: %w", err)
	}
	return ProbeResult{Engine: EngineRedis, Version: parseRedisVersion(info)}, nil
}

func parseRedisVersion(info string) string {
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "redis_version:"); ok {
			return v
		}
	}
	return ""
}
