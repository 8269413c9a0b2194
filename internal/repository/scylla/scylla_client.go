package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// PreparedStatements holds the statements the repositories actually bind.
// Conditional (IF) statements stay unprepared because their bind sites vary.
type PreparedStatements struct {
	InsertOTP        *gocql.Query
	SelectOTPs       *gocql.Query
	InsertFailure    *gocql.Query
	CountFailures    *gocql.Query
	SelectLastFail   *gocql.Query
	SelectBlock      *gocql.Query
	InsertLog        *gocql.Query
	CountLogs        *gocql.Query
	CountEventLogs   *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.ensureSchema(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS otp_records (
			identifier text,
			record_id text,
			code_hash text,
			code_salt text,
			pepper_version int,
			attempts int,
			is_used boolean,
			expires_at timestamp,
			created_at timestamp,
			PRIMARY KEY (identifier, record_id)
		)`,
		`CREATE TABLE IF NOT EXISTS login_failures (
			identifier text,
			created_at timestamp,
			record_id text,
			reason text,
			ip_address text,
			user_agent text,
			PRIMARY KEY (identifier, created_at, record_id)
		) WITH CLUSTERING ORDER BY (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS blocked_identifiers (
			identifier text PRIMARY KEY,
			record_id text,
			reason text,
			attempts int,
			is_active boolean,
			created_at timestamp,
			expires_at timestamp
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_log (
			identifier text,
			created_at timestamp,
			record_id text,
			event_type text,
			ip_address text,
			PRIMARY KEY (identifier, created_at, record_id)
		) WITH CLUSTERING ORDER BY (created_at DESC)`,
	}

	for _, stmt := range statements {
		if err := s.Session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.InsertOTP = s.Session.Query(`
        INSERT INTO otp_records (
            identifier, record_id, code_hash, code_salt, pepper_version,
            attempts, is_used, expires_at, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.SelectOTPs = s.Session.Query(`
        SELECT record_id, code_hash, code_salt, pepper_version, attempts,
            is_used, expires_at, created_at
        FROM otp_records WHERE identifier = ?`)

	prepared.InsertFailure = s.Session.Query(`
        INSERT INTO login_failures (
            identifier, created_at, record_id, reason, ip_address, user_agent
        ) VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.CountFailures = s.Session.Query(`
        SELECT COUNT(*) FROM login_failures
        WHERE identifier = ? AND created_at >= ?`)

	prepared.SelectLastFail = s.Session.Query(`
        SELECT record_id, reason, ip_address, user_agent, created_at
        FROM login_failures WHERE identifier = ? LIMIT 1`)

	prepared.SelectBlock = s.Session.Query(`
        SELECT record_id, reason, attempts, is_active, created_at, expires_at
        FROM blocked_identifiers WHERE identifier = ?`)

	prepared.InsertLog = s.Session.Query(`
        INSERT INTO rate_limit_log (
            identifier, created_at, record_id, event_type, ip_address
        ) VALUES (?, ?, ?, ?, ?)`)

	prepared.CountLogs = s.Session.Query(`
        SELECT COUNT(*) FROM rate_limit_log
        WHERE identifier = ? AND created_at >= ?`)

	prepared.CountEventLogs = s.Session.Query(`
        SELECT COUNT(*) FROM rate_limit_log
        WHERE identifier = ? AND created_at >= ? AND event_type = ?
        ALLOW FILTERING`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
