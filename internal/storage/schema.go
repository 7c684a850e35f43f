package storage

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.
//
// Monetary columns are TEXT holding exact decimal literals; aggregates are
// computed in Go with exact decimals because SQLite's numeric affinity
// would round-trip them through floats.

const schemaSubjects = `
CREATE TABLE IF NOT EXISTS subjects (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    kyc_level TEXT NOT NULL,
    geo_iso TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_subjects_user ON subjects(user_id);
`

const schemaSubjectAddresses = `
CREATE TABLE IF NOT EXISTS subject_addresses (
    subject_id TEXT NOT NULL,
    address TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (subject_id, address)
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    tx_type TEXT NOT NULL,
    asset TEXT NOT NULL,
    amount TEXT NOT NULL,
    usd_value TEXT NOT NULL,
    dest_address TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_subject_created
    ON transactions(subject_id, created_at DESC);
`

const schemaSanctions = `
CREATE TABLE IF NOT EXISTS sanctions (
    address TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    version TEXT PRIMARY KEY,
    config TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_active ON policies(active) WHERE active = 1;
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    subject_id TEXT,
    request TEXT NOT NULL,
    decision TEXT NOT NULL,
    decision_code TEXT NOT NULL,
    policy_version TEXT NOT NULL,
    evidence TEXT NOT NULL,
    latency_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_subject_created
    ON decisions(subject_id, created_at DESC);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSubjects,
		schemaSubjectAddresses,
		schemaTransactions,
		schemaSanctions,
		schemaPolicies,
		schemaDecisions,
	}
}
