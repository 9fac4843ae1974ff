package retention

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dbsmedya/goforget/internal/logger"
)

const createPoliciesTableSQL = `
CREATE TABLE IF NOT EXISTS retention_policies (
	id VARCHAR(64) PRIMARY KEY,
	subject VARCHAR(320) NULL,
	category VARCHAR(32) NULL,
	reason VARCHAR(255) NOT NULL,
	retention_end DATETIME(6) NOT NULL,
	can_override_erasure BOOLEAN NOT NULL DEFAULT FALSE,
	INDEX idx_subject (subject),
	INDEX idx_category (category)
) ENGINE=InnoDB;
`

const selectPoliciesSQL = `SELECT id, subject, category, reason, retention_end, can_override_erasure
	FROM retention_policies
	WHERE subject = ? OR subject IS NULL OR subject = ''`

// SQLSource reads retention_policies from the reference store. The core
// never writes to it.
type SQLSource struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLSource creates a source over the reference store pool.
func NewSQLSource(db *sql.DB, log *logger.Logger) (*SQLSource, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &SQLSource{db: db, logger: log}, nil
}

// InitializeTable creates retention_policies if it does not exist. Only
// used by init-schema for fresh reference stores.
func (s *SQLSource) InitializeTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createPoliciesTableSQL); err != nil {
		return fmt.Errorf("failed to create retention_policies: %w", err)
	}
	s.logger.Info("Retention policy table initialized")
	return nil
}

func (s *SQLSource) Policies(ctx context.Context, subject string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, selectPoliciesSQL, subject)
	if err != nil {
		return nil, fmt.Errorf("query retention policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var (
			p              Policy
			subj, category sql.NullString
		)
		if err := rows.Scan(&p.ID, &subj, &category, &p.Reason, &p.RetentionEnd, &p.CanOverrideErasure); err != nil {
			return nil, fmt.Errorf("scan retention policy: %w", err)
		}
		p.Subject = subj.String
		p.Category = category.String
		out = append(out, p)
	}
	return out, rows.Err()
}
