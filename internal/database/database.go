// Package database manages connections to the enrolled GoForget stores.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver

	"github.com/dbsmedya/goforget/internal/config"
)

// Manager holds one connection pool per enrolled store.
type Manager struct {
	config *config.Config

	mu  sync.RWMutex
	dbs map[string]*sql.DB
}

// NewManager creates a new database manager from configuration.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		config: cfg,
		dbs:    make(map[string]*sql.DB),
	}
}

// Connect establishes connections to every configured store. On failure all
// connections opened so far are closed.
func (m *Manager) Connect(ctx context.Context) error {
	return m.ConnectStores(ctx, m.config.StoreNames()...)
}

// ConnectStores connects only the named stores. Already connected stores are
// left untouched.
func (m *Manager) ConnectStores(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, ok := m.DB(name); ok {
			continue
		}
		storeCfg, ok := m.config.GetStore(name)
		if !ok {
			_ = m.Close()
			return fmt.Errorf("store %q is not configured", name)
		}
		db, err := m.connectWithRetry(ctx, &storeCfg)
		if err != nil {
			_ = m.Close()
			return fmt.Errorf("failed to connect to store %q: %w", name, err)
		}
		m.Register(name, db)
	}
	return nil
}

// Register attaches an already opened pool under a store name.
func (m *Manager) Register(name string, db *sql.DB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbs[name] = db
}

// DB returns the pool of a connected store.
func (m *Manager) DB(name string) (*sql.DB, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.dbs[name]
	return db, ok
}

// Connected returns the names of connected stores in sorted order.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// connectWithRetry attempts to connect with exponential backoff.
func (m *Manager) connectWithRetry(ctx context.Context, cfg *config.StoreConfig) (*sql.DB, error) {
	var db *sql.DB
	var err error

	maxRetries := 3
	backoff := time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = m.connect(cfg)
		if err == nil {
			if pingErr := db.PingContext(ctx); pingErr == nil {
				return db, nil
			} else {
				db.Close()
				err = pingErr
			}
		}

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", maxRetries, err)
}

func (m *Manager) connect(cfg *config.StoreConfig) (*sql.DB, error) {
	db, err := sql.Open(DriverName(cfg.Driver), BuildDSN(cfg))
	if err != nil {
		return nil, err
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

// DriverName returns the database/sql driver registered for a store driver.
func DriverName(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "mysql"
}

// BuildDSN constructs a driver specific DSN from a store configuration.
func BuildDSN(cfg *config.StoreConfig) string {
	if cfg.Driver == "postgres" {
		return buildPostgresDSN(cfg)
	}
	return buildMySQLDSN(cfg)
}

// buildMySQLDSN formats user:password@tcp(host:port)/database?params
func buildMySQLDSN(cfg *config.StoreConfig) string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	params := "?parseTime=true&multiStatements=true"
	switch cfg.TLS {
	case "disable":
		params += "&tls=false"
	case "required":
		params += "&tls=true"
	case "preferred", "":
		params += "&tls=preferred"
	}

	return dsn + params
}

// buildPostgresDSN formats a lib/pq keyword/value connection string.
func buildPostgresDSN(cfg *config.StoreConfig) string {
	sslmode := "prefer"
	switch cfg.TLS {
	case "disable":
		sslmode = "disable"
	case "required":
		sslmode = "require"
	}

	parts := []string{
		"host=" + pqQuote(cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		"user=" + pqQuote(cfg.User),
		"password=" + pqQuote(cfg.Password),
		"dbname=" + pqQuote(cfg.Database),
		"sslmode=" + sslmode,
	}
	return strings.Join(parts, " ")
}

// pqQuote quotes a value for the keyword/value format when needed.
func pqQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Close closes all database connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	for name, db := range m.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s close: %v", name, err))
		}
		delete(m.dbs, name)
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("errors closing connections: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Ping verifies all connections are alive.
func (m *Manager) Ping(ctx context.Context) error {
	for _, name := range m.Connected() {
		db, _ := m.DB(name)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}
	return nil
}
