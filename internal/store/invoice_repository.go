package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// InvoiceRepository persists LightningInvoice rows.
type InvoiceRepository struct{}

func NewInvoiceRepository() *InvoiceRepository { return &InvoiceRepository{} }

func (r *InvoiceRepository) Create(ctx context.Context, q Querier, inv *LightningInvoice) error {
	const query = `INSERT INTO lightning_invoices
		(payment_hash, bolt11_invoice, session_id, amount_sats, asset_id, status, invoice_type, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := q.Exec(ctx, query, inv.PaymentHash, inv.Bolt11Invoice, inv.SessionID, inv.AmountSats, inv.AssetID,
		inv.Status, inv.InvoiceType, inv.CreatedAt, inv.SettledAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create invoice %s: %w", inv.PaymentHash, err)
	}
	return nil
}

func (r *InvoiceRepository) Get(ctx context.Context, q Querier, paymentHash string) (*LightningInvoice, error) {
	const query = `SELECT payment_hash, bolt11_invoice, session_id, amount_sats, asset_id, status, invoice_type, created_at, settled_at
		FROM lightning_invoices WHERE payment_hash = $1`
	var inv LightningInvoice
	err := q.QueryRow(ctx, query, paymentHash).Scan(&inv.PaymentHash, &inv.Bolt11Invoice, &inv.SessionID,
		&inv.AmountSats, &inv.AssetID, &inv.Status, &inv.InvoiceType, &inv.CreatedAt, &inv.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get invoice %s: %w", paymentHash, err)
	}
	return &inv, nil
}

// MarkSettled transitions pending -> settled exactly once.
func (r *InvoiceRepository) MarkSettled(ctx context.Context, q Querier, paymentHash string) error {
	const query = `UPDATE lightning_invoices SET status = $2, settled_at = now()
		WHERE payment_hash = $1 AND status = $3`
	tag, err := q.Exec(ctx, query, paymentHash, InvoiceSettled, InvoicePending)
	if err != nil {
		return fmt.Errorf("mark invoice %s settled: %w", paymentHash, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *InvoiceRepository) MarkFailed(ctx context.Context, q Querier, paymentHash string) error {
	const query = `UPDATE lightning_invoices SET status = $2 WHERE payment_hash = $1 AND status = $3`
	tag, err := q.Exec(ctx, query, paymentHash, InvoiceFailed, InvoicePending)
	if err != nil {
		return fmt.Errorf("mark invoice %s failed: %w", paymentHash, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkExpired transitions pending -> expired.
func (r *InvoiceRepository) MarkExpired(ctx context.Context, q Querier, paymentHash string) error {
	const query = `UPDATE lightning_invoices SET status = $2 WHERE payment_hash = $1 AND status = $3`
	tag, err := q.Exec(ctx, query, paymentHash, InvoiceExpired, InvoicePending)
	if err != nil {
		return fmt.Errorf("mark invoice %s expired: %w", paymentHash, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingByType returns pending invoices of one type, the working set
// the settlement reconciler re-checks after a restart.
func (r *InvoiceRepository) ListPendingByType(ctx context.Context, q Querier, invoiceType InvoiceType) ([]*LightningInvoice, error) {
	const query = `SELECT payment_hash, bolt11_invoice, session_id, amount_sats, asset_id, status, invoice_type, created_at, settled_at
		FROM lightning_invoices WHERE status = $1 AND invoice_type = $2 ORDER BY created_at ASC`
	rows, err := q.Query(ctx, query, InvoicePending, invoiceType)
	if err != nil {
		return nil, fmt.Errorf("list pending %s invoices: %w", invoiceType, err)
	}
	defer rows.Close()

	var out []*LightningInvoice
	for rows.Next() {
		var inv LightningInvoice
		if err := rows.Scan(&inv.PaymentHash, &inv.Bolt11Invoice, &inv.SessionID, &inv.AmountSats, &inv.AssetID,
			&inv.Status, &inv.InvoiceType, &inv.CreatedAt, &inv.SettledAt); err != nil {
			return nil, fmt.Errorf("scan invoice row: %w", err)
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// ListExpiredPending returns pending invoices past expiry for the
// reconciliation sweep.
func (r *InvoiceRepository) ListExpiredPending(ctx context.Context, q Querier, expirySeconds int64) ([]*LightningInvoice, error) {
	query := fmt.Sprintf(`SELECT payment_hash, bolt11_invoice, session_id, amount_sats, asset_id, status, invoice_type, created_at, settled_at
		FROM lightning_invoices WHERE status = $1 AND created_at < now() - interval '%d seconds'`, expirySeconds)
	rows, err := q.Query(ctx, query, InvoicePending)
	if err != nil {
		return nil, fmt.Errorf("list expired pending invoices: %w", err)
	}
	defer rows.Close()

	var out []*LightningInvoice
	for rows.Next() {
		var inv LightningInvoice
		if err := rows.Scan(&inv.PaymentHash, &inv.Bolt11Invoice, &inv.SessionID, &inv.AmountSats, &inv.AssetID,
			&inv.Status, &inv.InvoiceType, &inv.CreatedAt, &inv.SettledAt); err != nil {
			return nil, fmt.Errorf("scan invoice row: %w", err)
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}
