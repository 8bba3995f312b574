// Package book manages ledger namespaces. A book owns a root account, an
// account subtree, transactions and budgets; every ledger and interchange
// operation is scoped to one book passed in explicitly.
package book

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/store"
)

// Book is one isolated ledger namespace.
type Book struct {
	GUID            string    `json:"guid"`
	Name            string    `json:"name"`
	RootAccountGUID string    `json:"root_account_guid"`
	CreatedAt       time.Time `json:"created_at"`
}

// Service provides book lifecycle and membership checks.
type Service struct {
	db  *store.DB
	log zerolog.Logger
}

// NewService creates a book service.
func NewService(db *store.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log.With().Str("component", "book").Logger()}
}

// Create creates a book together with its ROOT account in one transaction.
func (s *Service) Create(ctx context.Context, name string) (*Book, error) {
	if name == "" {
		return nil, errs.Validationf(errs.CodeInvalidInput, "name", "book name is required")
	}

	b := &Book{
		GUID:            uuid.New().String(),
		Name:            name,
		RootAccountGUID: uuid.New().String(),
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO books (guid, name, root_account_guid, created_at)
		VALUES (?, ?, ?, ?)
	`, b.GUID, b.Name, b.RootAccountGUID, store.FormatTime(b.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert book: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (guid, book_guid, parent_guid, name, account_type, commodity_guid)
		VALUES (?, ?, NULL, ?, 'ROOT', NULL)
	`, b.RootAccountGUID, b.GUID, "Root Account")
	if err != nil {
		return nil, fmt.Errorf("failed to insert root account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit book creation: %w", err)
	}

	s.log.Info().Str("book", b.GUID).Str("name", name).Msg("book created")
	return b, nil
}

// Get retrieves a book by guid.
func (s *Service) Get(ctx context.Context, guid string) (*Book, error) {
	var b Book
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT guid, name, root_account_guid, created_at
		FROM books WHERE guid = ?
	`, guid).Scan(&b.GUID, &b.Name, &b.RootAccountGUID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("book", guid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	if b.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// List returns all books ordered by creation time.
func (s *Service) List(ctx context.Context) ([]*Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, name, root_account_guid, created_at
		FROM books ORDER BY created_at, guid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		var b Book
		var createdAt string
		if err := rows.Scan(&b.GUID, &b.Name, &b.RootAccountGUID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		if b.CreatedAt, err = store.ParseTime(createdAt); err != nil {
			return nil, err
		}
		books = append(books, &b)
	}
	return books, rows.Err()
}

// Delete removes a book and everything it owns. The last remaining book
// cannot be deleted. The account subtree is removed bottom-up because
// parent links are referential.
func (s *Service) Delete(ctx context.Context, guid string) error {
	if _, err := s.Get(ctx, guid); err != nil {
		return err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM books").Scan(&total); err != nil {
		return fmt.Errorf("failed to count books: %w", err)
	}
	if total <= 1 {
		return errs.Conflictf(errs.CodeLastBook, "cannot delete the last remaining book")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Splits go with their transactions (ON DELETE CASCADE), budget
	// amounts with their budgets.
	if _, err := tx.ExecContext(ctx, "DELETE FROM transactions WHERE book_guid = ?", guid); err != nil {
		return fmt.Errorf("failed to delete transactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM budgets WHERE book_guid = ?", guid); err != nil {
		return fmt.Errorf("failed to delete budgets: %w", err)
	}

	order, err := accountsBottomUp(ctx, tx, guid)
	if err != nil {
		return err
	}
	for _, acctGUID := range order {
		if _, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE guid = ?", acctGUID); err != nil {
			return fmt.Errorf("failed to delete account %s: %w", acctGUID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM books WHERE guid = ?", guid); err != nil {
		return fmt.Errorf("failed to delete book: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit book deletion: %w", err)
	}

	s.log.Info().Str("book", guid).Int("accounts", len(order)).Msg("book deleted")
	return nil
}

// accountsBottomUp loads the book's whole account tree in one query and
// orders it leaves-first.
func accountsBottomUp(ctx context.Context, tx *store.Tx, bookGUID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT guid, parent_guid FROM accounts WHERE book_guid = ?
	`, bookGUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account tree: %w", err)
	}
	defer rows.Close()

	children := make(map[string][]string)
	var roots []string
	for rows.Next() {
		var guid string
		var parent sql.NullString
		if err := rows.Scan(&guid, &parent); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if parent.Valid {
			children[parent.String] = append(children[parent.String], guid)
		} else {
			roots = append(roots, guid)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Post-order walk: children before parents.
	var order []string
	var walk func(guid string)
	walk = func(guid string) {
		for _, child := range children[guid] {
			walk(child)
		}
		order = append(order, guid)
	}
	for _, root := range roots {
		walk(root)
	}
	return order, nil
}

// ContainsAccount reports whether the account belongs to the book. The
// membership check consumed by the ledger and interchange services.
func (s *Service) ContainsAccount(ctx context.Context, bookGUID, accountGUID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM accounts WHERE guid = ? AND book_guid = ?
	`, accountGUID, bookGUID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check account membership: %w", err)
	}
	return true, nil
}
