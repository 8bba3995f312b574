// Package accounts manages the hierarchical account registry of a book.
// Tree-shaped reads (paths, descendant checks, deletion ordering) always
// materialize the whole tree in one query and traverse it in memory, so
// every answer comes from a single consistent snapshot instead of a chain
// of parent lookups.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/store"
)

// Type enumerates the account kinds of the double-entry schema.
type Type string

// Account types.
const (
	TypeAsset      Type = "ASSET"
	TypeLiability  Type = "LIABILITY"
	TypeIncome     Type = "INCOME"
	TypeExpense    Type = "EXPENSE"
	TypeEquity     Type = "EQUITY"
	TypeBank       Type = "BANK"
	TypeCash       Type = "CASH"
	TypeCredit     Type = "CREDIT"
	TypeStock      Type = "STOCK"
	TypeMutual     Type = "MUTUAL"
	TypeReceivable Type = "RECEIVABLE"
	TypePayable    Type = "PAYABLE"
	TypeRoot       Type = "ROOT"
	TypeTrading    Type = "TRADING"
)

var validTypes = map[Type]bool{
	TypeAsset: true, TypeLiability: true, TypeIncome: true, TypeExpense: true,
	TypeEquity: true, TypeBank: true, TypeCash: true, TypeCredit: true,
	TypeStock: true, TypeMutual: true, TypeReceivable: true, TypePayable: true,
	TypeRoot: true, TypeTrading: true,
}

// Valid reports whether t is one of the enumerated account types.
func (t Type) Valid() bool { return validTypes[t] }

// Account is one node of a book's account tree. ParentGUID is empty only
// for the book's root.
type Account struct {
	GUID          string `json:"guid"`
	BookGUID      string `json:"book_guid"`
	ParentGUID    string `json:"parent_guid,omitempty"`
	Name          string `json:"name"`
	Type          Type   `json:"type"`
	CommodityGUID string `json:"commodity_guid,omitempty"`
	Code          string `json:"code,omitempty"`
	Description   string `json:"description,omitempty"`
	Hidden        bool   `json:"hidden"`
	Placeholder   bool   `json:"placeholder"`
}

// Service provides account tree operations.
type Service struct {
	db  *store.DB
	log zerolog.Logger
}

// NewService creates an account service.
func NewService(db *store.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log.With().Str("component", "accounts").Logger()}
}

// CreateRequest carries the fields for a new account.
type CreateRequest struct {
	BookGUID      string
	ParentGUID    string
	Name          string
	Type          Type
	CommodityGUID string
	Code          string
	Description   string
	Hidden        bool
	Placeholder   bool
}

// Create inserts a new account under an existing parent of the same book.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Account, error) {
	if req.Name == "" {
		return nil, errs.Validationf(errs.CodeInvalidInput, "name", "account name is required")
	}
	if !req.Type.Valid() || req.Type == TypeRoot {
		return nil, errs.Validationf(errs.CodeInvalidType, "type", "%q is not a valid account type", req.Type)
	}

	parent, err := s.Get(ctx, req.ParentGUID)
	if err != nil {
		var nf *errs.NotFoundError
		if errors.As(err, &nf) {
			return nil, errs.Validationf(errs.CodeInvalidParent, "parent", "parent account %s does not exist", req.ParentGUID)
		}
		return nil, err
	}
	if parent.BookGUID != req.BookGUID {
		return nil, errs.Validationf(errs.CodeInvalidParent, "parent", "parent account %s belongs to a different book", req.ParentGUID)
	}

	if req.CommodityGUID != "" {
		var one int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM commodities WHERE guid = ?", req.CommodityGUID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("commodity", req.CommodityGUID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check commodity: %w", err)
		}
	}

	a := &Account{
		GUID:          uuid.New().String(),
		BookGUID:      req.BookGUID,
		ParentGUID:    req.ParentGUID,
		Name:          req.Name,
		Type:          req.Type,
		CommodityGUID: req.CommodityGUID,
		Code:          req.Code,
		Description:   req.Description,
		Hidden:        req.Hidden,
		Placeholder:   req.Placeholder,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (guid, book_guid, parent_guid, name, account_type, commodity_guid, code, description, hidden, placeholder)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.GUID, a.BookGUID, a.ParentGUID, a.Name, string(a.Type), nullable(a.CommodityGUID),
		a.Code, a.Description, boolInt(a.Hidden), boolInt(a.Placeholder))
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}

	s.log.Debug().Str("account", a.GUID).Str("name", a.Name).Msg("account created")
	return a, nil
}

// Get retrieves an account by guid.
func (s *Service) Get(ctx context.Context, guid string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guid, book_guid, parent_guid, name, account_type, commodity_guid, code, description, hidden, placeholder
		FROM accounts WHERE guid = ?
	`, guid)
	a, err := scanAccount(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("account", guid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// Move reparents an account. Moving an account under itself or one of its
// own descendants is a circular reference and is rejected.
func (s *Service) Move(ctx context.Context, guid, newParentGUID string) error {
	acct, err := s.Get(ctx, guid)
	if err != nil {
		return err
	}
	newParent, err := s.Get(ctx, newParentGUID)
	if err != nil {
		return err
	}
	if newParent.BookGUID != acct.BookGUID {
		return errs.Validationf(errs.CodeInvalidParent, "parent", "new parent belongs to a different book")
	}
	if acct.ParentGUID == "" {
		return errs.Validationf(errs.CodeInvalidInput, "account", "the root account cannot be moved")
	}

	tree, err := s.TreeOf(ctx, acct.BookGUID)
	if err != nil {
		return err
	}
	if guid == newParentGUID || tree.IsDescendant(newParentGUID, guid) {
		return errs.Conflictf(errs.CodeCircularReference,
			"moving account %s under %s would create a cycle", guid, newParentGUID)
	}

	_, err = s.db.ExecContext(ctx, "UPDATE accounts SET parent_guid = ? WHERE guid = ?", newParentGUID, guid)
	if err != nil {
		return fmt.Errorf("failed to move account: %w", err)
	}
	return nil
}

// Delete removes an account. Children must be removed first and every
// split referencing the account reassigned or deleted first.
func (s *Service) Delete(ctx context.Context, guid string) error {
	acct, err := s.Get(ctx, guid)
	if err != nil {
		return err
	}
	if acct.ParentGUID == "" {
		return errs.Validationf(errs.CodeInvalidInput, "account", "the root account is owned by its book")
	}

	var splits int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM splits WHERE account_guid = ?", guid).Scan(&splits); err != nil {
		return fmt.Errorf("failed to count splits: %w", err)
	}
	if splits > 0 {
		return errs.Conflictf(errs.CodeHasTransactions,
			"account %s is referenced by %d splits", guid, splits)
	}

	var children int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts WHERE parent_guid = ?", guid).Scan(&children); err != nil {
		return fmt.Errorf("failed to count children: %w", err)
	}
	if children > 0 {
		return errs.Conflictf(errs.CodeHasChildren,
			"account %s has %d child accounts", guid, children)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE guid = ?", guid); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// FullPath returns the ancestor names from just below the root down to
// the account itself, computed from one tree snapshot.
func (s *Service) FullPath(ctx context.Context, guid string) ([]string, error) {
	acct, err := s.Get(ctx, guid)
	if err != nil {
		return nil, err
	}
	tree, err := s.TreeOf(ctx, acct.BookGUID)
	if err != nil {
		return nil, err
	}
	return tree.FullPath(guid)
}

// IsDescendantOf reports whether account a sits somewhere below account b.
func (s *Service) IsDescendantOf(ctx context.Context, a, b string) (bool, error) {
	acct, err := s.Get(ctx, a)
	if err != nil {
		return false, err
	}
	if _, err := s.Get(ctx, b); err != nil {
		return false, err
	}
	tree, err := s.TreeOf(ctx, acct.BookGUID)
	if err != nil {
		return false, err
	}
	return tree.IsDescendant(a, b), nil
}

// Tree is an in-memory snapshot of a book's account hierarchy.
type Tree struct {
	byGUID   map[string]*Account
	children map[string][]string
	RootGUID string
}

// TreeOf loads the whole account tree of a book in one query.
func (s *Service) TreeOf(ctx context.Context, bookGUID string) (*Tree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, book_guid, parent_guid, name, account_type, commodity_guid, code, description, hidden, placeholder
		FROM accounts WHERE book_guid = ?
	`, bookGUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account tree: %w", err)
	}
	defer rows.Close()

	t := &Tree{byGUID: make(map[string]*Account), children: make(map[string][]string)}
	for rows.Next() {
		a, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		t.byGUID[a.GUID] = a
		if a.ParentGUID == "" {
			t.RootGUID = a.GUID
		} else {
			t.children[a.ParentGUID] = append(t.children[a.ParentGUID], a.GUID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, kids := range t.children {
		sort.Strings(kids)
	}
	return t, nil
}

// Get returns the snapshot's account, or nil.
func (t *Tree) Get(guid string) *Account { return t.byGUID[guid] }

// Children returns the child guids of an account.
func (t *Tree) Children(guid string) []string { return t.children[guid] }

// Accounts returns every account in the snapshot.
func (t *Tree) Accounts() []*Account {
	out := make([]*Account, 0, len(t.byGUID))
	for _, a := range t.byGUID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID < out[j].GUID })
	return out
}

// FullPath returns the names from just below the root to guid. The root
// account itself has an empty path.
func (t *Tree) FullPath(guid string) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	for cur := guid; cur != ""; {
		a := t.byGUID[cur]
		if a == nil {
			return nil, errs.NotFound("account", cur)
		}
		if seen[cur] {
			return nil, errs.Conflictf(errs.CodeCircularReference, "account %s is part of a parent cycle", cur)
		}
		seen[cur] = true
		if a.ParentGUID == "" {
			break // the root's name is not part of any path
		}
		names = append(names, a.Name)
		cur = a.ParentGUID
	}
	// Reverse into root-first order.
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return names, nil
}

// IsDescendant reports whether a sits below b in the snapshot.
func (t *Tree) IsDescendant(a, b string) bool {
	for cur := t.byGUID[a]; cur != nil && cur.ParentGUID != ""; cur = t.byGUID[cur.ParentGUID] {
		if cur.ParentGUID == b {
			return true
		}
	}
	return false
}

// Walk visits the subtree rooted at guid depth-first, parents before
// children.
func (t *Tree) Walk(guid string, fn func(a *Account)) {
	a := t.byGUID[guid]
	if a == nil {
		return
	}
	fn(a)
	for _, child := range t.children[guid] {
		t.Walk(child, fn)
	}
}

func scanAccount(scan func(dest ...interface{}) error) (*Account, error) {
	var a Account
	var parent, commodity sql.NullString
	var hidden, placeholder int64
	err := scan(&a.GUID, &a.BookGUID, &parent, &a.Name, (*string)(&a.Type), &commodity,
		&a.Code, &a.Description, &hidden, &placeholder)
	if err != nil {
		return nil, err
	}
	a.ParentGUID = parent.String
	a.CommodityGUID = commodity.String
	a.Hidden = hidden != 0
	a.Placeholder = placeholder != 0
	return &a, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
