package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/dbpg"

	"bdcreg/internal/model"
)

var ErrRegistrationNotFound = errors.New("registration not found")

const registrationColumns = `
	id, name, email, resident_church, contact, position, accommodation_mode,
	amount, payment_status, checkout_request_id, merchant_request_id,
	mpesa_receipt_number, payment_phone, transaction_date, ticket_number,
	failure_reason, created_at, updated_at
`

type Repository interface {
	CreatePending(ctx context.Context, reg *model.Registration) (int64, error)
	AttachCheckoutRequest(ctx context.Context, id int64, checkoutRequestID, merchantRequestID string) error
	GetByID(ctx context.Context, id int64) (*model.Registration, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*model.Registration, error)
	MarkCompleted(ctx context.Context, checkoutRequestID, receipt, paymentPhone, transactionDate, ticketNumber string) (bool, error)
	MarkFailed(ctx context.Context, checkoutRequestID, reason string) (bool, error)
	MigrateUp(migrationsDir string) error
	MigrateDown(migrationsDir string) error
}

type repository struct {
	db  *dbpg.DB
	log *zerolog.Logger
}

func NewRepository(db *dbpg.DB, log *zerolog.Logger) (Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.Master.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}
	return &repository{db: db, log: log}, nil
}

func (r *repository) MigrateUp(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations applied successfully from %s", migrationsDir)
	return nil
}

func (r *repository) MigrateDown(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		return fmt.Errorf("failed to read rollback files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read rollback file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations rolled back successfully from %s", migrationsDir)
	return nil
}

// CreatePending inserts a new registration in pending status with no
// gateway correlation attached yet. The row either exists fully or not
// at all.
func (r *repository) CreatePending(ctx context.Context, reg *model.Registration) (int64, error) {
	query := `
		INSERT INTO registrations
			(name, email, resident_church, contact, position, accommodation_mode, amount, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id
	`

	reg.PaymentStatus = model.PaymentStatusPending

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		reg.Name, reg.Email, reg.ResidentChurch, reg.Contact,
		reg.Position, reg.AccommodationMode, reg.Amount, reg.PaymentStatus,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create registration: %w", err)
	}

	reg.ID = id
	return id, nil
}

// AttachCheckoutRequest stores the gateway correlation identifiers on a
// freshly initiated registration. Set once, immediately after a
// successful STK push.
func (r *repository) AttachCheckoutRequest(ctx context.Context, id int64, checkoutRequestID, merchantRequestID string) error {
	query := `
		UPDATE registrations
		SET checkout_request_id = $1, merchant_request_id = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING id
	`

	var updated int64
	if err := r.db.QueryRowContext(ctx, query, checkoutRequestID, merchantRequestID, id).Scan(&updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRegistrationNotFound
		}
		return fmt.Errorf("failed to attach checkout request: %w", err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*model.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *repository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*model.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE checkout_request_id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, checkoutRequestID))
}

// MarkCompleted transitions a registration to completed, attaching the
// receipt, payer phone, transaction date and ticket number in a single
// update. The update is conditional on the row still being pending, so
// of two racing callback deliveries at most one changes state; the
// loser sees applied=false.
func (r *repository) MarkCompleted(ctx context.Context, checkoutRequestID, receipt, paymentPhone, transactionDate, ticketNumber string) (bool, error) {
	query := `
		UPDATE registrations
		SET payment_status = $1,
		    mpesa_receipt_number = $2,
		    payment_phone = $3,
		    transaction_date = $4,
		    ticket_number = $5,
		    updated_at = NOW()
		WHERE checkout_request_id = $6 AND payment_status = $7
	`

	res, err := r.db.ExecContext(ctx, query,
		model.PaymentStatusCompleted, receipt, paymentPhone, transactionDate, ticketNumber,
		checkoutRequestID, model.PaymentStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark registration completed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}

// MarkFailed transitions a registration to failed with the provider's
// failure description. Conditional on pending, same as MarkCompleted.
func (r *repository) MarkFailed(ctx context.Context, checkoutRequestID, reason string) (bool, error) {
	query := `
		UPDATE registrations
		SET payment_status = $1, failure_reason = $2, updated_at = NOW()
		WHERE checkout_request_id = $3 AND payment_status = $4
	`

	res, err := r.db.ExecContext(ctx, query,
		model.PaymentStatusFailed, reason,
		checkoutRequestID, model.PaymentStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark registration failed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}

func (r *repository) scanOne(row *sql.Row) (*model.Registration, error) {
	var reg model.Registration
	err := row.Scan(
		&reg.ID,
		&reg.Name,
		&reg.Email,
		&reg.ResidentChurch,
		&reg.Contact,
		&reg.Position,
		&reg.AccommodationMode,
		&reg.Amount,
		&reg.PaymentStatus,
		&reg.CheckoutRequestID,
		&reg.MerchantRequestID,
		&reg.MpesaReceiptNumber,
		&reg.PaymentPhone,
		&reg.TransactionDate,
		&reg.TicketNumber,
		&reg.FailureReason,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRegistrationNotFound
		}
		return nil, fmt.Errorf("failed to scan registration: %w", err)
	}
	return &reg, nil
}
