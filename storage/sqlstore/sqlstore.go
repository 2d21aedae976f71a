package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/overtonx/mailrelay/storage"
)

const (
	tableOutcomes    = "email_logs"
	tableDeadLetters = "dlt_email_fail_logs"
)

// SQL queries
const (
	createOutcomesTableQuery = `
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			message_id CHAR(36) NOT NULL,
			reservation_id BIGINT NOT NULL,
			email VARCHAR(320) NOT NULL,
			subject VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			error_message TEXT NULL,
			sent_at DATETIME(6) NOT NULL,
			UNIQUE KEY uk_message_id (message_id),
			KEY idx_sent_at (sent_at)
		)`

	createDeadLettersTableQuery = `
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			reservation_id BIGINT NOT NULL,
			email VARCHAR(320) NOT NULL,
			restaurant_name VARCHAR(255) NOT NULL,
			confirmed_at DATETIME(6) NULL,
			party_size INT NOT NULL,
			original_topic VARCHAR(255) NOT NULL,
			original_partition INT NOT NULL,
			original_offset BIGINT NOT NULL,
			exception_type VARCHAR(64) NOT NULL,
			exception_message TEXT NULL,
			attempts INT NOT NULL,
			payload MEDIUMBLOB NULL,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uk_origin (original_topic, original_partition, original_offset),
			KEY idx_created_at (created_at)
		)`

	insertOutcomeQuery = `
		INSERT INTO %s (message_id, reservation_id, email, subject, status, error_message, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	insertDeadLetterQuery = `
		INSERT INTO %s (reservation_id, email, restaurant_name, confirmed_at, party_size,
			original_topic, original_partition, original_offset, exception_type, exception_message,
			attempts, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`

	deleteOutcomesQuery = `DELETE FROM %s WHERE sent_at < ?`

	deleteDeadLettersQuery = `DELETE FROM %s WHERE created_at < ?`
)

const mysqlDuplicateEntry = 1062

// MySQL errors caused by a value that does not fit its column.
var mysqlDataErrors = map[uint16]bool{
	1048: true, // column cannot be null
	1264: true, // out of range value
	1292: true, // incorrect value
	1366: true, // incorrect string value
	1406: true, // data too long
}

var (
	ErrOutcomeAlreadyExists = errors.New("outcome already exists")
)

// SQLStore is a MySQL implementation of storage.Store.
type SQLStore struct {
	db        *sql.DB
	trManager *manager.Manager
	getter    *trmsql.CtxGetter
	logger    *zap.Logger
	now       func() time.Time
}

func NewSQLStore(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:        db,
		trManager: manager.Must(trmsql.NewDefaultFactory(db)),
		getter:    trmsql.DefaultCtxGetter,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *SQLStore) EnsureTables(ctx context.Context) error {
	for _, query := range []string{
		fmt.Sprintf(createOutcomesTableQuery, tableOutcomes),
		fmt.Sprintf(createDeadLettersTableQuery, tableDeadLetters),
	} {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) SaveOutcome(ctx context.Context, record *storage.OutcomeRecord) error {
	query := fmt.Sprintf(insertOutcomeQuery, tableOutcomes)
	res, err := s.db.ExecContext(ctx, query,
		record.MessageID,
		record.ReservationID,
		record.Email,
		record.Subject,
		record.Status,
		nullString(record.ErrorMessage),
		record.SentAt.UTC(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return ErrOutcomeAlreadyExists
		}
		return fmt.Errorf("failed to save outcome: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read outcome id: %w", err)
	}
	record.ID = id
	return nil
}

// SaveDeadLetters inserts all records in one transaction. A message redelivered after a
// failed acknowledge is already present and is skipped.
func (s *SQLStore) SaveDeadLetters(ctx context.Context, records []storage.DeadLetterRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(insertDeadLetterQuery, tableDeadLetters)
	return s.trManager.Do(ctx, func(ctx context.Context) error {
		tx := s.getter.DefaultTrOrDB(ctx, s.db)
		for _, r := range records {
			createdAt := r.CreatedAt
			if createdAt.IsZero() {
				createdAt = s.now()
			}
			_, err := tx.ExecContext(ctx, query,
				r.ReservationID,
				r.Email,
				r.RestaurantName,
				nullTime(r.ConfirmedAt),
				r.PartySize,
				r.OriginalTopic,
				r.OriginalPartition,
				r.OriginalOffset,
				r.FailureType,
				nullString(r.FailureMessage),
				r.Attempts,
				r.Payload,
				createdAt.UTC(),
			)
			if err != nil {
				if isDataError(err) {
					err = errors.Join(storage.ErrInvalidRecord, err)
				}
				return fmt.Errorf("failed to save dead letter %s[%d]@%d: %w", r.OriginalTopic, r.OriginalPartition, r.OriginalOffset, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteOutcomes(ctx context.Context, retention time.Duration) (int64, error) {
	return s.deleteOlderThan(ctx, fmt.Sprintf(deleteOutcomesQuery, tableOutcomes), retention)
}

func (s *SQLStore) DeleteDeadLetters(ctx context.Context, retention time.Duration) (int64, error) {
	return s.deleteOlderThan(ctx, fmt.Sprintf(deleteDeadLettersQuery, tableDeadLetters), retention)
}

func (s *SQLStore) deleteOlderThan(ctx context.Context, query string, retention time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

func isDataError(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlDataErrors[mysqlErr.Number]
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
