package health

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseProbeName is the conventional name of the relational-store probe.
const DatabaseProbeName = "database-context"

// Pinger is the narrow connectivity contract a datastore driver must
// satisfy. pgxpool.Pool implements it directly; anything else with a Ping
// can be adapted.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresProbe checks relational-store connectivity through a pgx pool.
type PostgresProbe struct {
	name string
	pool Pinger
}

// NewPostgresProbe creates the datastore probe. An empty name defaults to
// DatabaseProbeName.
func NewPostgresProbe(name string, pool *pgxpool.Pool) *PostgresProbe {
	if name == "" {
		name = DatabaseProbeName
	}
	return &PostgresProbe{name: name, pool: pool}
}

// NewPingProbe creates a datastore probe from any Pinger. Useful for tests
// and for drivers other than pgx.
func NewPingProbe(name string, pinger Pinger) *PostgresProbe {
	if name == "" {
		name = DatabaseProbeName
	}
	return &PostgresProbe{name: name, pool: pinger}
}

func (p *PostgresProbe) Name() string    { return p.name }
func (p *PostgresProbe) Kind() ProbeKind { return KindDatastore }

func (p *PostgresProbe) Check(ctx context.Context) Result {
	if err := p.pool.Ping(ctx); err != nil {
		return Unhealthy(fmt.Sprintf("database ping failed: %v", err))
	}
	return Healthy("database reachable")
}

// RedisProbe checks cache connectivity with a PING round trip.
type RedisProbe struct {
	name   string
	client redis.UniversalClient
}

// NewRedisProbe creates a cache probe. An empty name defaults to "redis".
func NewRedisProbe(name string, client redis.UniversalClient) *RedisProbe {
	if name == "" {
		name = "redis"
	}
	return &RedisProbe{name: name, client: client}
}

func (p *RedisProbe) Name() string    { return p.name }
func (p *RedisProbe) Kind() ProbeKind { return KindDatastore }

func (p *RedisProbe) Check(ctx context.Context) Result {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return Unhealthy(fmt.Sprintf("redis ping failed: %v", err))
	}
	return Healthy("redis reachable")
}
