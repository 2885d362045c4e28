package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"rollcall/internal/lifecycle/adapters/documents"
	"rollcall/internal/lifecycle/adapters/identity"
	"rollcall/internal/lifecycle/ports"
	"rollcall/internal/lifecycle/store/operation"
	"rollcall/internal/platform/config"
	"rollcall/internal/platform/firebase"
	"rollcall/internal/platform/kafka"
	"rollcall/internal/platform/mongo"
	"rollcall/internal/platform/postgres"
	"rollcall/internal/platform/redis"
	audit "rollcall/pkg/platform/audit"
	"rollcall/pkg/platform/audit/publisher"
	auditkafka "rollcall/pkg/platform/audit/store/kafka"
	auditmemory "rollcall/pkg/platform/audit/store/memory"
	auditpostgres "rollcall/pkg/platform/audit/store/postgres"
	"rollcall/pkg/platform/circuit"
)

// resources owns every connection opened at startup so they can be health
// checked and closed in reverse order.
type resources struct {
	cfg     config.Server
	logger  *slog.Logger
	db      *sql.DB
	fb      *firebase.Clients
	closers []func() error
	checks  map[string]func(context.Context) error
}

func newResources(cfg config.Server, logger *slog.Logger) *resources {
	return &resources{cfg: cfg, logger: logger, checks: make(map[string]func(context.Context) error)}
}

func (r *resources) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// Health runs every registered dependency check.
func (r *resources) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(r.checks))
	for name, check := range r.checks {
		out[name] = check(ctx)
	}
	return out
}

func (r *resources) postgres(ctx context.Context) (*sql.DB, error) {
	if r.db != nil {
		return r.db, nil
	}
	db, err := postgres.Open(ctx, r.cfg.Ledger.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	r.db = db
	r.onClose(db.Close)
	r.checks["postgres"] = db.PingContext
	return db, nil
}

func (r *resources) firebase(ctx context.Context) (*firebase.Clients, error) {
	if r.fb != nil {
		return r.fb, nil
	}
	clients, err := firebase.New(ctx, r.cfg.Firebase,
		r.cfg.Identity.Backend == config.BackendFirebase,
		r.cfg.Documents.Backend == config.BackendFirestore,
	)
	if err != nil {
		return nil, err
	}
	r.fb = clients
	r.onClose(clients.Close)
	return clients, nil
}

func (r *resources) operationStore(ctx context.Context, reg prometheus.Registerer) (ports.OperationStore, error) {
	switch r.cfg.Ledger.Backend {
	case config.BackendPostgres:
		db, err := r.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return operation.NewPostgres(db), nil
	case config.BackendRedis:
		client, err := redis.New(ctx, r.cfg.Redis)
		if err != nil {
			return nil, err
		}
		r.onClose(client.Close)
		r.checks["redis"] = client.Health
		return operation.NewRedis(client.Client, reg), nil
	case config.BackendSQLite:
		store, err := operation.OpenSQLite(r.cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, err
		}
		r.onClose(store.Close)
		return store, nil
	default:
		r.logger.Warn("using in-memory operation ledger; operations do not survive a restart")
		return operation.NewInMemory(), nil
	}
}

func (r *resources) identityStore(ctx context.Context) (ports.IdentityStore, error) {
	if r.cfg.Identity.Backend != config.BackendFirebase {
		r.logger.Warn("using in-memory identity provider")
		return identity.NewMemory(), nil
	}
	clients, err := r.firebase(ctx)
	if err != nil {
		return nil, err
	}
	return identity.NewFirebase(clients.Auth)
}

func (r *resources) documentStore(ctx context.Context) (ports.DocumentStore, error) {
	switch r.cfg.Documents.Backend {
	case config.BackendFirestore:
		clients, err := r.firebase(ctx)
		if err != nil {
			return nil, err
		}
		return documents.NewFirestore(clients.Firestore)
	case config.BackendMongo:
		client, db, err := mongo.Connect(ctx, r.cfg.Documents)
		if err != nil {
			return nil, err
		}
		r.onClose(func() error { return client.Disconnect(context.Background()) })
		r.checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		return documents.NewMongo(db)
	default:
		r.logger.Warn("using in-memory document store")
		return documents.NewMemory(), nil
	}
}

// auditPublisher builds the async publisher. Kafka and Postgres sinks fall
// back to memory while their breaker is open.
func (r *resources) auditPublisher(ctx context.Context) (*publisher.Publisher, error) {
	var primary audit.Store
	switch r.cfg.Audit.Backend {
	case config.BackendKafka:
		client, err := kafka.NewClient(ctx, r.cfg.Audit)
		if err != nil {
			return nil, err
		}
		r.onClose(func() error { client.Close(); return nil })
		if err := kafka.EnsureTopic(ctx, client, r.cfg.Audit.KafkaTopic); err != nil {
			return nil, err
		}
		r.checks["kafka"] = client.Ping
		primary = auditkafka.New(client, r.cfg.Audit.KafkaTopic)
	case config.BackendPostgres:
		db, err := r.postgres(ctx)
		if err != nil {
			return nil, err
		}
		primary = auditpostgres.New(db)
	default:
		return publisher.NewPublisher(auditmemory.NewInMemoryStore(),
			publisher.WithLogger(r.logger),
			publisher.WithAsyncBuffer(r.cfg.Audit.BufferSize),
		), nil
	}

	pub := publisher.NewPublisher(primary,
		publisher.WithLogger(r.logger),
		publisher.WithAsyncBuffer(r.cfg.Audit.BufferSize),
		publisher.WithFallback(auditmemory.NewInMemoryStore(), circuit.New("audit-"+r.cfg.Audit.Backend)),
	)
	return pub, nil
}
