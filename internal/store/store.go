package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"marketplace-payments/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert hits a unique constraint
	ErrDuplicate = errors.New("duplicate")
	// ErrStaleState is returned when a row changed since it was read
	ErrStaleState = errors.New("stale state")
)

// Tx is the set of operations that run inside one database transaction.
// Reads ending in ForUpdate lock the row until the transaction ends.
type Tx interface {
	GetPaymentForUpdate(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByKeyForUpdate(ctx context.Context, paymentKey string) (*models.Payment, error)
	// UpdatePayment writes p only if the stored status is still from
	UpdatePayment(ctx context.Context, p *models.Payment, from models.PaymentStatus) error

	// InsertRefund records a gateway cancel transaction; false if its key was already recorded
	InsertRefund(ctx context.Context, r *models.PaymentRefund) (bool, error)
	ListRefunds(ctx context.Context, paymentID int64) ([]models.PaymentRefund, error)

	// InsertSettlement creates the settlement unless one exists for the payment
	InsertSettlement(ctx context.Context, s *models.Settlement) (bool, error)

	BookingStartDate(ctx context.Context, ref models.BookingRef) (time.Time, error)
	MarkBooked(ctx context.Context, ref models.BookingRef) error
	RevertBooking(ctx context.Context, ref models.BookingRef) error

	CreateCancellationRequest(ctx context.Context, r *models.CancellationRequest) error
	GetCancellationRequestForUpdate(ctx context.Context, id int64) (*models.CancellationRequest, error)
	HasOpenCancellation(ctx context.Context, paymentID int64) (bool, error)
	UpdateCancellationRequest(ctx context.Context, r *models.CancellationRequest) error
}

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables and constraints this service relies on
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction, committing if it returns nil
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sqlx.Tx
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
