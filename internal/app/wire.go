package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/config"
	"github.com/dbsmedya/goforget/internal/database"
	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/lock"
	"github.com/dbsmedya/goforget/internal/logger"
	"github.com/dbsmedya/goforget/internal/retention"
	"github.com/dbsmedya/goforget/internal/sqlutil"
	"github.com/dbsmedya/goforget/internal/thirdparty"
)

// New connects every configured store and builds the App on top of them.
// The compliance and reference stores must be enrolled MySQL stores.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.NewDefault()
	}

	dbm := database.NewManager(cfg)
	if err := dbm.Connect(ctx); err != nil {
		return nil, err
	}
	closers := []func() error{dbm.Close}
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	var stores []datastore.Store
	for _, name := range cfg.DataStoreNames() {
		sc, _ := cfg.GetStore(name)
		db, _ := dbm.DB(name)
		dialect := sqlutil.MySQL
		if sc.Driver == "postgres" {
			dialect = sqlutil.Postgres
		}
		s, err := datastore.NewSQLStore(db, datastore.SQLStoreOptions{
			Name:     name,
			Category: sc.Category,
			Dialect:  dialect,
			History:  sc.History,
		})
		if err != nil {
			return fail(fmt.Errorf("store %q: %w", name, err))
		}
		stores = append(stores, s)
	}

	complianceDB, _ := dbm.DB(cfg.ComplianceStore)
	repo, err := compliance.NewMySQLStore(complianceDB, log)
	if err != nil {
		return fail(err)
	}
	referenceDB, _ := dbm.DB(cfg.ReferenceStore)
	policies, err := retention.NewSQLSource(referenceDB, log)
	if err != nil {
		return fail(err)
	}

	var locker lock.Locker
	ttl := time.Duration(cfg.Locking.TTLSeconds) * time.Second
	switch cfg.Locking.Backend {
	case "redis":
		client, err := lock.NewRedisClient(ctx, cfg.Locking.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, client.Close)
		locker = lock.NewRedisLocker(client, ttl)
	case "local":
		locker = lock.NewLocalLocker()
	default:
		locker = lock.NewAdvisoryLocker(complianceDB, 0)
	}

	var notifier thirdparty.Notifier
	if len(cfg.ThirdParty.Kafka.Brokers) > 0 {
		kn, err := thirdparty.NewKafkaNotifier(cfg.ThirdParty.Kafka.Brokers, cfg.ThirdParty.Kafka.Topic)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { kn.Close(); return nil })
		notifier = kn
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := Build(Deps{
		Config:   cfg,
		Stores:   datastore.NewRegistry(stores...),
		Repo:     repo,
		Policies: policies,
		Locker:   locker,
		Notifier: notifier,
		Logger:   log,
		Registry: reg,
	})
	if err != nil {
		return fail(err)
	}
	a.closers = closers
	a.schema = []func(context.Context) error{repo.InitializeTables, policies.InitializeTable}
	a.ping = dbm.Ping
	log.Infow("GoForget ready", "stores", len(stores), "lock_backend", cfg.Locking.Backend,
		"processors", len(cfg.ThirdParty.Processors))
	return a, nil
}

// InitSchema creates the compliance and retention tables when missing.
func (a *App) InitSchema(ctx context.Context) error {
	if len(a.schema) == 0 {
		return fmt.Errorf("no schema to initialize: app is not backed by SQL stores")
	}
	for _, fn := range a.schema {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	a.logger.Info("Compliance schema initialized")
	return nil
}

// Ping checks the store connections. In-memory apps are always healthy.
func (a *App) Ping(ctx context.Context) error {
	if a.ping == nil {
		return nil
	}
	return a.ping(ctx)
}
