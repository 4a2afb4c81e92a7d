package ingestion

import (
	"context"
	"sync"

	"sesnotify/internal/config"
	"sesnotify/internal/logger"
	"sesnotify/pkg/bootstrap"
	"sesnotify/pkg/circuitbreaker"
	"sesnotify/pkg/migrations"
)

// StoreProvider yields the Store for one batch. Acquisition may block on
// the first connect.
type StoreProvider interface {
	Store(ctx context.Context) (Store, error)
}

// MongoStoreProvider resolves the Store through a shared MongoPool, keyed by
// the assembled connection string.
type MongoStoreProvider struct {
	pool     *bootstrap.MongoPool
	uri      string
	database string
	breaker  *circuitbreaker.Wrapper
	logger   logger.Logger

	ensureIndexes bool
	indexesMu     sync.Mutex
	indexesDone   bool
}

func NewMongoStoreProvider(pool *bootstrap.MongoPool, cfg config.MongoDBConfig, cbCfg config.CircuitBreakerConfig, log logger.Logger) *MongoStoreProvider {
	p := &MongoStoreProvider{
		pool:          pool,
		uri:           cfg.ConnectionURI(),
		database:      cfg.Database,
		logger:        log,
		ensureIndexes: cfg.EnsureIndexes,
	}
	if cbCfg.Enabled {
		p.breaker = circuitbreaker.NewWrapper(circuitbreaker.FromSettings("mongodb-ingest", cbCfg))
	}
	return p
}

func (p *MongoStoreProvider) Store(ctx context.Context) (Store, error) {
	client, err := p.pool.Client(ctx, p.uri)
	if err != nil {
		return nil, err
	}

	db := client.Database(p.database)
	if p.ensureIndexes {
		p.createIndexesOnce(ctx, db.Name(), func(ctx context.Context) error {
			return migrations.EnsureIndexes(ctx, db)
		})
	}

	var store Store = NewRepository(db)
	if p.breaker != nil {
		store = NewCircuitBreakerStore(store, p.breaker)
	}
	return store, nil
}

// createIndexesOnce runs create until it succeeds once. Index failures are
// logged and never fail the batch.
func (p *MongoStoreProvider) createIndexesOnce(ctx context.Context, database string, create func(ctx context.Context) error) {
	p.indexesMu.Lock()
	defer p.indexesMu.Unlock()

	if p.indexesDone {
		return
	}
	if err := create(ctx); err != nil {
		p.logger.WarnwCtx(ctx, "Failed to ensure indexes", "database", database, "error", err)
		return
	}
	p.indexesDone = true
	p.logger.InfowCtx(ctx, "Indexes ensured", "database", database)
}
