package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"courier/internal/migrations"
	"courier/internal/models"
	"courier/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable store behind the send pipeline: job records,
// outgoing message records, and challenge registrations.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type txKey struct{}

// withTx stores an open transaction in the context so linked writes made
// from SaveJob's link callback land in the same transaction.
func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func (d *Database) execerFrom(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.db
}

// Job operations

// SaveJob persists a job record before the enqueue call returns. If link
// is non-nil it runs inside the same transaction so the caller can attach
// the job id to its own durable record atomically; a crash can then never
// produce an orphaned job or an unsendable message.
func (d *Database) SaveJob(ctx context.Context, job *models.Job, link func(ctx context.Context) error) error {
	encryptedPayload, err := d.encryptor.EncryptIfEnabled(string(job.Payload))
	if err != nil {
		return fmt.Errorf("failed to encrypt job payload: %w", err)
	}

	encryptedQueueType, err := d.encryptor.EncryptForLookupIfEnabled(job.QueueType)
	if err != nil {
		return fmt.Errorf("failed to encrypt queue type: %w", err)
	}

	return retryableDBOperation(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		query := `
			INSERT INTO jobs (id, queue_type, payload, attempts, created_at)
			VALUES (?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, query,
			job.ID, encryptedQueueType, encryptedPayload, job.Attempts, job.CreatedAt); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("failed to save job: %w (rollback error: %v)", err, rbErr)
			}
			return fmt.Errorf("failed to save job: %w", err)
		}

		if link != nil {
			if err := link(withTx(ctx, tx)); err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					return fmt.Errorf("job link failed: %w (rollback error: %v)", err, rbErr)
				}
				return fmt.Errorf("job link failed: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit job: %w", err)
		}
		return nil
	}, "save job")
}

func (d *Database) RemoveJob(ctx context.Context, id string) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.execerFrom(ctx).ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to remove job: %w", err)
		}
		return nil
	}, "remove job")
}

// ListJobs returns persisted jobs for a queue type in enqueue order.
func (d *Database) ListJobs(ctx context.Context, queueType string) ([]models.Job, error) {
	encryptedQueueType, err := d.encryptor.EncryptForLookupIfEnabled(queueType)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt queue type: %w", err)
	}

	query := `
		SELECT id, payload, attempts, created_at
		FROM jobs
		WHERE queue_type = ?
		ORDER BY seq ASC
	`

	rows, err := d.db.QueryContext(ctx, query, encryptedQueueType)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		var encryptedPayload string
		if err := rows.Scan(&job.ID, &encryptedPayload, &job.Attempts, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		payload, err := d.encryptor.DecryptIfEnabled(encryptedPayload)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt job payload: %w", err)
		}
		job.Payload = json.RawMessage(payload)
		job.QueueType = queueType
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// ListQueueTypes returns every queue type with at least one persisted job,
// used to rebuild the queue registry on startup.
func (d *Database) ListQueueTypes(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT queue_type FROM jobs ORDER BY queue_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue types: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var types []string
	for rows.Next() {
		var encrypted string
		if err := rows.Scan(&encrypted); err != nil {
			return nil, fmt.Errorf("failed to scan queue type: %w", err)
		}
		queueType, err := d.encryptor.DecryptIfEnabled(encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt queue type: %w", err)
		}
		types = append(types, queueType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue types: %w", err)
	}

	return types, nil
}

func (d *Database) UpdateJobAttempts(ctx context.Context, id string, attempts int) error {
	return retryableDBOperation(ctx, func() error {
		result, err := d.db.ExecContext(ctx, `UPDATE jobs SET attempts = ? WHERE id = ?`, attempts, id)
		if err != nil {
			return fmt.Errorf("failed to update job attempts: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("no job found with ID: %s", id)
		}
		return nil
	}, "update job attempts")
}

// Message operations
//
// The message record is stored as one JSON document and rewritten whole on
// every change (checked update). The conversation queue's single concurrency
// guarantees one job writes at a time; writers inside a job serialize via
// the upload coordinator.

func (d *Database) SaveMessage(ctx context.Context, msg *models.OutgoingMessage) error {
	record, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message record: %w", err)
	}

	encryptedRecord, err := d.encryptor.EncryptIfEnabled(string(record))
	if err != nil {
		return fmt.Errorf("failed to encrypt message record: %w", err)
	}

	encryptedConversationID, err := d.encryptor.EncryptForLookupIfEnabled(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to encrypt conversation ID: %w", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	return retryableDBOperation(ctx, func() error {
		_, err := d.execerFrom(ctx).ExecContext(ctx, query,
			msg.ID, encryptedConversationID, encryptedRecord, now, now)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		return nil
	}, "save message")
}

// GetMessage returns (nil, nil) when the message does not exist.
func (d *Database) GetMessage(ctx context.Context, id string) (*models.OutgoingMessage, error) {
	query := `SELECT record FROM messages WHERE id = ?`

	var encryptedRecord string
	err := d.execerFrom(ctx).QueryRowContext(ctx, query, id).Scan(&encryptedRecord)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	record, err := d.encryptor.DecryptIfEnabled(encryptedRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message record: %w", err)
	}

	var msg models.OutgoingMessage
	if err := json.Unmarshal([]byte(record), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message record: %w", err)
	}

	return &msg, nil
}

// UpdateMessage applies the checked-update pattern: read the full record,
// let patch mutate it, write the full record back.
func (d *Database) UpdateMessage(ctx context.Context, id string, patch func(*models.OutgoingMessage) error) error {
	msg, err := d.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("no message found with ID: %s", id)
	}

	if err := patch(msg); err != nil {
		return err
	}
	msg.UpdatedAt = time.Now().UTC()

	return d.SaveMessage(ctx, msg)
}

// SetMessageJobID attaches a job id to a message record. Safe to call from
// inside SaveJob's link callback: it reuses the transaction carried by ctx.
func (d *Database) SetMessageJobID(ctx context.Context, messageID, jobID string) error {
	return d.UpdateMessage(ctx, messageID, func(msg *models.OutgoingMessage) error {
		msg.JobID = jobID
		return nil
	})
}

func (d *Database) CleanupOldMessages(ctx context.Context, retentionDays int) error {
	query := `
		DELETE FROM messages
		WHERE created_at < datetime('now', '-' || ? || ' days')
	`

	_, err := d.db.ExecContext(ctx, query, retentionDays)
	if err != nil {
		return fmt.Errorf("failed to cleanup old messages: %w", err)
	}

	return nil
}

// CleanupExpiredChallenges drops challenge blocks older than maxAge. The
// coordinator also drops stale blocks on load; this keeps the table from
// accumulating records for conversations that never come back.
func (d *Database) CleanupExpiredChallenges(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	_, err := d.db.ExecContext(ctx, `DELETE FROM challenges WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup expired challenges: %w", err)
	}

	return nil
}

// Challenge operations

func (d *Database) SaveChallenge(ctx context.Context, reg *models.ChallengeRegistration) error {
	encryptedConversationID, err := d.encryptor.EncryptForLookupIfEnabled(reg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to encrypt conversation ID: %w", err)
	}

	encryptedToken, err := d.encryptor.EncryptIfEnabled(reg.Token)
	if err != nil {
		return fmt.Errorf("failed to encrypt challenge token: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO challenges (conversation_id, reason, created_at, retry_at, token, silent)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query,
			encryptedConversationID, reg.Reason, reg.CreatedAt, reg.RetryAt, encryptedToken, reg.Silent)
		if err != nil {
			return fmt.Errorf("failed to save challenge: %w", err)
		}
		return nil
	}, "save challenge")
}

func (d *Database) RemoveChallenge(ctx context.Context, conversationID string) error {
	encryptedConversationID, err := d.encryptor.EncryptForLookupIfEnabled(conversationID)
	if err != nil {
		return fmt.Errorf("failed to encrypt conversation ID: %w", err)
	}

	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM challenges WHERE conversation_id = ?`, encryptedConversationID)
		if err != nil {
			return fmt.Errorf("failed to remove challenge: %w", err)
		}
		return nil
	}, "remove challenge")
}

func (d *Database) ListChallenges(ctx context.Context) ([]models.ChallengeRegistration, error) {
	query := `
		SELECT conversation_id, reason, created_at, retry_at, token, silent
		FROM challenges
		ORDER BY created_at ASC
	`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var regs []models.ChallengeRegistration
	for rows.Next() {
		var reg models.ChallengeRegistration
		var encryptedConversationID, encryptedToken string
		var retryAt sql.NullTime
		if err := rows.Scan(&encryptedConversationID, &reg.Reason, &reg.CreatedAt, &retryAt, &encryptedToken, &reg.Silent); err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}

		reg.ConversationID, err = d.encryptor.DecryptIfEnabled(encryptedConversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt conversation ID: %w", err)
		}

		reg.Token, err = d.encryptor.DecryptIfEnabled(encryptedToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt challenge token: %w", err)
		}

		if retryAt.Valid {
			t := retryAt.Time
			reg.RetryAt = &t
		}

		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate challenges: %w", err)
	}

	return regs, nil
}
