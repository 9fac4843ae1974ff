package compliance

const createRequestsTableSQL = `
CREATE TABLE IF NOT EXISTS erasure_requests (
	id CHAR(36) PRIMARY KEY,
	subject VARCHAR(320) NOT NULL,
	active_subject VARCHAR(320) NULL,
	erasure_ground VARCHAR(32) NOT NULL,
	source VARCHAR(64) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL,
	requested_at DATETIME(6) NOT NULL,
	estimated_completion DATETIME(6) NOT NULL,
	validated_at DATETIME(6) NULL,
	started_at DATETIME(6) NULL,
	completed_at DATETIME(6) NULL,
	rejection_reason TEXT,
	deletion_summary JSON NULL,
	verification_hash CHAR(64) NULL,
	UNIQUE KEY uk_active_subject (active_subject),
	INDEX idx_subject (subject, requested_at),
	INDEX idx_requested (requested_at)
) ENGINE=InnoDB;
`

const createBatchesTableSQL = `
CREATE TABLE IF NOT EXISTS discovery_batches (
	id CHAR(36) PRIMARY KEY,
	subject VARCHAR(320) NOT NULL,
	request_id CHAR(36) NULL,
	discovered_at DATETIME(6) NOT NULL,
	INDEX idx_subject (subject, discovered_at),
	INDEX idx_request (request_id, discovered_at)
) ENGINE=InnoDB;
`

const createResultsTableSQL = `
CREATE TABLE IF NOT EXISTS discovery_results (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	batch_id CHAR(36) NOT NULL,
	store_name VARCHAR(64) NOT NULL,
	container_name VARCHAR(64) NOT NULL,
	column_name VARCHAR(64) NOT NULL,
	pii_type VARCHAR(32) NOT NULL,
	sensitivity_tier VARCHAR(16) NOT NULL,
	records_found BIGINT NOT NULL,
	category VARCHAR(32) NOT NULL DEFAULT '',
	pseudonymize BOOLEAN NOT NULL DEFAULT FALSE,
	INDEX idx_batch (batch_id),
	FOREIGN KEY (batch_id) REFERENCES discovery_batches(id)
) ENGINE=InnoDB;
`

const createOperationsTableSQL = `
CREATE TABLE IF NOT EXISTS erasure_operations (
	id CHAR(36) PRIMARY KEY,
	request_id CHAR(36) NOT NULL,
	store_name VARCHAR(64) NOT NULL,
	container_name VARCHAR(64) NOT NULL,
	column_names TEXT NOT NULL,
	operation_type VARCHAR(16) NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
	records_affected BIGINT NOT NULL DEFAULT 0,
	error_detail TEXT,
	created_at DATETIME(6) NOT NULL,
	finished_at DATETIME(6) NULL,
	INDEX idx_request (request_id, created_at),
	FOREIGN KEY (request_id) REFERENCES erasure_requests(id)
) ENGINE=InnoDB;
`

// audit_events has no foreign keys so the ledger outlives purged requests.
const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
	id CHAR(36) PRIMARY KEY,
	event_type VARCHAR(32) NOT NULL,
	subject VARCHAR(320) NOT NULL,
	request_id CHAR(36) NULL,
	operation_id CHAR(36) NULL,
	event_timestamp DATETIME(6) NOT NULL,
	description TEXT NOT NULL,
	payload JSON NULL,
	self_hash CHAR(64) NOT NULL,
	seq BIGINT NOT NULL AUTO_INCREMENT,
	UNIQUE KEY uk_seq (seq),
	INDEX idx_subject (subject, event_timestamp),
	INDEX idx_request (request_id, event_timestamp)
) ENGINE=InnoDB;
`

const createAuditNoUpdateTriggerSQL = `
CREATE TRIGGER IF NOT EXISTS audit_events_no_update
BEFORE UPDATE ON audit_events FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'audit_events is append-only'
`

const createAuditNoDeleteTriggerSQL = `
CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
BEFORE DELETE ON audit_events FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'audit_events is append-only'
`

const createNotificationsTableSQL = `
CREATE TABLE IF NOT EXISTS third_party_notifications (
	id CHAR(36) PRIMARY KEY,
	request_id CHAR(36) NOT NULL,
	processor_name VARCHAR(128) NOT NULL,
	status VARCHAR(16) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	sent_at DATETIME(6) NULL,
	acknowledged_at DATETIME(6) NULL,
	completed_at DATETIME(6) NULL,
	detail TEXT,
	UNIQUE KEY uk_request_processor (request_id, processor_name)
) ENGINE=InnoDB;
`

type schemaStep struct {
	name string
	sql  string
}

var schemaSteps = []schemaStep{
	{"erasure_requests", createRequestsTableSQL},
	{"discovery_batches", createBatchesTableSQL},
	{"discovery_results", createResultsTableSQL},
	{"erasure_operations", createOperationsTableSQL},
	{"audit_events", createAuditTableSQL},
	{"audit_events_no_update", createAuditNoUpdateTriggerSQL},
	{"audit_events_no_delete", createAuditNoDeleteTriggerSQL},
	{"third_party_notifications", createNotificationsTableSQL},
}
