package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/numeric"
	"github.com/example/bookledger/pkg/audit"
)

// Recurrence period types accepted for budgets.
var validPeriodTypes = map[string]bool{
	"day": true, "week": true, "month": true, "quarter": true, "year": true,
}

// ValidPeriodType reports whether p is a supported recurrence period.
func ValidPeriodType(p string) bool { return validPeriodTypes[p] }

// BudgetInput carries a budget being created. NumPeriods and PeriodType
// are immutable once the budget exists.
type BudgetInput struct {
	BookGUID    string
	Name        string
	Description string
	NumPeriods  int
	PeriodType  string
}

// CreateBudget creates an empty budget.
func (s *Service) CreateBudget(ctx context.Context, in BudgetInput) (*Budget, error) {
	if in.Name == "" {
		return nil, errs.Validationf(errs.CodeInvalidInput, "name", "budget name is required")
	}
	if in.NumPeriods <= 0 {
		return nil, errs.Validationf(errs.CodeInvalidInput, "num_periods", "number of periods must be positive, got %d", in.NumPeriods)
	}
	if !validPeriodTypes[in.PeriodType] {
		return nil, errs.Validationf(errs.CodeInvalidInput, "period_type", "unknown recurrence period type %q", in.PeriodType)
	}

	b := &Budget{
		GUID:        uuid.New().String(),
		BookGUID:    in.BookGUID,
		Name:        in.Name,
		Description: in.Description,
		NumPeriods:  in.NumPeriods,
		PeriodType:  in.PeriodType,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (guid, book_guid, name, description, num_periods, period_type)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.GUID, b.BookGUID, b.Name, b.Description, b.NumPeriods, b.PeriodType)
	if err != nil {
		return nil, fmt.Errorf("failed to insert budget: %w", err)
	}

	s.record(audit.OpCreate, "budget", b.GUID, nil, b)
	return b, nil
}

// GetBudget loads a budget with its per-period amounts.
func (s *Service) GetBudget(ctx context.Context, guid string) (*Budget, error) {
	var b Budget
	err := s.db.QueryRowContext(ctx, `
		SELECT guid, book_guid, name, description, num_periods, period_type
		FROM budgets WHERE guid = ?
	`, guid).Scan(&b.GUID, &b.BookGUID, &b.Name, &b.Description, &b.NumPeriods, &b.PeriodType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("budget", guid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT budget_guid, account_guid, period_num, amount_num, amount_denom
		FROM budget_amounts WHERE budget_guid = ?
	`, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget amounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ba BudgetAmount
		if err := rows.Scan(&ba.BudgetGUID, &ba.AccountGUID, &ba.Period, &ba.Amount.Num, &ba.Amount.Denom); err != nil {
			return nil, fmt.Errorf("failed to scan budget amount: %w", err)
		}
		b.Amounts = append(b.Amounts, &ba)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(b.Amounts, func(i, j int) bool {
		if b.Amounts[i].AccountGUID != b.Amounts[j].AccountGUID {
			return b.Amounts[i].AccountGUID < b.Amounts[j].AccountGUID
		}
		return b.Amounts[i].Period < b.Amounts[j].Period
	})
	return &b, nil
}

// ListBudgets returns all budgets of a book, amounts included.
func (s *Service) ListBudgets(ctx context.Context, bookGUID string) ([]*Budget, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT guid FROM budgets WHERE book_guid = ? ORDER BY name, guid", bookGUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer rows.Close()

	var guids []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, fmt.Errorf("failed to scan budget guid: %w", err)
		}
		guids = append(guids, guid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var budgets []*Budget
	for _, guid := range guids {
		b, err := s.GetBudget(ctx, guid)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, nil
}

// SetBudgetAmount sets the target amount for one (budget, account,
// period) cell, replacing any previous amount for that cell.
func (s *Service) SetBudgetAmount(ctx context.Context, budgetGUID, accountGUID string, period int, amount numeric.Numeric) error {
	b, err := s.GetBudget(ctx, budgetGUID)
	if err != nil {
		return err
	}
	if period < 0 || period >= b.NumPeriods {
		return errs.Validationf(errs.CodeInvalidInput, "period",
			"period %d is out of range for a budget with %d periods", period, b.NumPeriods)
	}
	if amount.Denom <= 0 {
		return errs.Validationf(errs.CodeMalformedAmount, "amount", "amount denominator must be positive")
	}

	var one int
	err = s.db.QueryRowContext(ctx,
		"SELECT 1 FROM accounts WHERE guid = ? AND book_guid = ?", accountGUID, b.BookGUID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("account", accountGUID)
	}
	if err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budget_amounts (budget_guid, account_guid, period_num, amount_num, amount_denom)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (budget_guid, account_guid, period_num)
		DO UPDATE SET amount_num = excluded.amount_num, amount_denom = excluded.amount_denom
	`, budgetGUID, accountGUID, period, amount.Num, amount.Denom)
	if err != nil {
		return fmt.Errorf("failed to upsert budget amount: %w", err)
	}

	s.record(audit.OpUpdate, "budget", budgetGUID, nil, &BudgetAmount{
		BudgetGUID: budgetGUID, AccountGUID: accountGUID, Period: period, Amount: amount,
	})
	return nil
}

// DeleteBudget removes a budget and its amounts.
func (s *Service) DeleteBudget(ctx context.Context, guid string) error {
	before, err := s.GetBudget(ctx, guid)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM budget_amounts WHERE budget_guid = ?", guid); err != nil {
		return fmt.Errorf("failed to delete budget amounts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM budgets WHERE guid = ?", guid); err != nil {
		return fmt.Errorf("failed to delete budget: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit budget deletion: %w", err)
	}

	s.record(audit.OpDelete, "budget", guid, before, nil)
	return nil
}
