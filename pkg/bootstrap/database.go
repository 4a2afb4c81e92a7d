package bootstrap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/sync/singleflight"

	"sesnotify/internal/config"
	"sesnotify/internal/logger"
	apperrors "sesnotify/pkg/errors"
	"sesnotify/pkg/metrics"
)

// ConnectFunc opens and verifies a client for uri.
type ConnectFunc func(ctx context.Context, uri string) (*mongo.Client, error)

// MongoPool hands out one client per connection string for the lifetime of
// the process. Concurrent first callers share a single connect attempt; a
// failed attempt is not remembered, so the next caller tries again.
type MongoPool struct {
	connect ConnectFunc
	logger  logger.Logger

	mu      sync.RWMutex
	clients map[string]*mongo.Client
	group   singleflight.Group
}

func NewMongoPool(cfg config.MongoDBConfig, log logger.Logger) *MongoPool {
	return NewMongoPoolWithConnect(NewMongoConnector(cfg, log), log)
}

func NewMongoPoolWithConnect(connect ConnectFunc, log logger.Logger) *MongoPool {
	return &MongoPool{
		connect: connect,
		logger:  log,
		clients: make(map[string]*mongo.Client),
	}
}

// Client returns the client for uri, connecting on first use. Errors are
// CONNECTION_ERROR app errors.
func (p *MongoPool) Client(ctx context.Context, uri string) (*mongo.Client, error) {
	if client, ok := p.lookup(uri); ok {
		return client, nil
	}

	// The shared attempt must not die with whichever caller started it.
	connectCtx := context.WithoutCancel(ctx)

	v, err, shared := p.group.Do(uri, func() (interface{}, error) {
		if client, ok := p.lookup(uri); ok {
			return client, nil
		}

		p.logger.Debug("Opening MongoDB connection")
		client, err := p.connect(connectCtx, uri)
		if err != nil {
			metrics.IncDatabaseConnect("error")
			return nil, err
		}
		if client == nil {
			metrics.IncDatabaseConnect("error")
			return nil, fmt.Errorf("connect returned no client")
		}

		p.mu.Lock()
		p.clients[uri] = client
		p.mu.Unlock()

		metrics.IncDatabaseConnect("success")
		p.logger.Debug("MongoDB connection cached")
		return client, nil
	})
	if err != nil {
		return nil, apperrors.ErrConnection.WithCause(err).WithDetail("shared", shared)
	}

	return v.(*mongo.Client), nil
}

func (p *MongoPool) lookup(uri string) (*mongo.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	client, ok := p.clients[uri]
	return client, ok
}

// Size reports how many connections are established.
func (p *MongoPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Close disconnects every client and empties the pool.
func (p *MongoPool) Close(ctx context.Context) []error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*mongo.Client)
	p.mu.Unlock()

	var errs []error
	for _, client := range clients {
		if err := client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}
	return errs
}

// NewMongoConnector returns a ConnectFunc applying the TLS, replica set and
// read preference settings of cfg on top of the URI.
func NewMongoConnector(cfg config.MongoDBConfig, log logger.Logger) ConnectFunc {
	return func(ctx context.Context, uri string) (*mongo.Client, error) {
		opts, err := ClientOptions(cfg, uri)
		if err != nil {
			return nil, err
		}

		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}

		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}

		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
		}

		log.Info("MongoDB connected successfully")
		return client, nil
	}
}

func ClientOptions(cfg config.MongoDBConfig, uri string) (*options.ClientOptions, error) {
	opts := options.Client().ApplyURI(uri)

	if cfg.ReplicaSet != "" {
		opts.SetReplicaSet(cfg.ReplicaSet)
	}

	if cfg.ReadPreference != "" {
		mode, err := readpref.ModeFromString(cfg.ReadPreference)
		if err != nil {
			return nil, fmt.Errorf("invalid read preference %q: %w", cfg.ReadPreference, err)
		}
		rp, err := readpref.New(mode)
		if err != nil {
			return nil, fmt.Errorf("invalid read preference %q: %w", cfg.ReadPreference, err)
		}
		opts.SetReadPreference(rp)
	}

	if cfg.TLS {
		tlsConfig, err := LoadTLSConfig(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
		opts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	return opts, nil
}

// LoadTLSConfig trusts exactly the CA certificates in the PEM bundle at
// caFile. An empty path uses the system roots.
func LoadTLSConfig(caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle %s: %w", caFile, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", caFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
