package accounts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bookledger/internal/book"
	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/store"
)

type fixture struct {
	svc  *Service
	db   *store.DB
	book *book.Book
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	b, err := book.NewService(db, zerolog.Nop()).Create(ctx, "Test")
	require.NoError(t, err)
	return &fixture{svc: NewService(db, zerolog.Nop()), db: db, book: b}
}

func (f *fixture) mustCreate(t *testing.T, parent, name string, typ Type) *Account {
	t.Helper()
	a, err := f.svc.Create(context.Background(), CreateRequest{
		BookGUID:   f.book.GUID,
		ParentGUID: parent,
		Name:       name,
		Type:       typ,
	})
	require.NoError(t, err)
	return a
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.book.RootAccountGUID

	cases := []struct {
		name string
		req  CreateRequest
		code string
	}{
		{"missing name", CreateRequest{BookGUID: f.book.GUID, ParentGUID: root, Type: TypeAsset}, errs.CodeInvalidInput},
		{"unknown type", CreateRequest{BookGUID: f.book.GUID, ParentGUID: root, Name: "X", Type: "WALLET"}, errs.CodeInvalidType},
		{"root type reserved", CreateRequest{BookGUID: f.book.GUID, ParentGUID: root, Name: "X", Type: TypeRoot}, errs.CodeInvalidType},
		{"missing parent", CreateRequest{BookGUID: f.book.GUID, ParentGUID: "nope", Name: "X", Type: TypeAsset}, errs.CodeInvalidParent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req)
			var verr *errs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.code, verr.Code)
		})
	}
}

func TestCreateRejectsCrossBookParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := book.NewService(f.db, zerolog.Nop()).Create(ctx, "Other")
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateRequest{
		BookGUID:   other.GUID,
		ParentGUID: f.book.RootAccountGUID,
		Name:       "Stray",
		Type:       TypeAsset,
	})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.CodeInvalidParent, verr.Code)
}

func TestFullPath(t *testing.T) {
	f := newFixture(t)

	assets := f.mustCreate(t, f.book.RootAccountGUID, "Assets", TypeAsset)
	bank := f.mustCreate(t, assets.GUID, "Bank", TypeBank)
	checking := f.mustCreate(t, bank.GUID, "Checking", TypeBank)

	path, err := f.svc.FullPath(context.Background(), checking.GUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Assets", "Bank", "Checking"}, path)

	// The root itself has an empty path.
	path, err = f.svc.FullPath(context.Background(), f.book.RootAccountGUID)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestMoveRejectsCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assets := f.mustCreate(t, f.book.RootAccountGUID, "Assets", TypeAsset)
	bank := f.mustCreate(t, assets.GUID, "Bank", TypeBank)
	checking := f.mustCreate(t, bank.GUID, "Checking", TypeBank)

	// Moving an ancestor under its own descendant.
	err := f.svc.Move(ctx, assets.GUID, checking.GUID)
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeCircularReference, conflict.Code)

	// Self-parenting.
	err = f.svc.Move(ctx, assets.GUID, assets.GUID)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeCircularReference, conflict.Code)

	// A legal move reparents and the path follows.
	savings := f.mustCreate(t, assets.GUID, "Savings", TypeBank)
	require.NoError(t, f.svc.Move(ctx, savings.GUID, bank.GUID))
	path, err := f.svc.FullPath(ctx, savings.GUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Assets", "Bank", "Savings"}, path)
}

func TestMoveRootRefused(t *testing.T) {
	f := newFixture(t)
	assets := f.mustCreate(t, f.book.RootAccountGUID, "Assets", TypeAsset)

	err := f.svc.Move(context.Background(), f.book.RootAccountGUID, assets.GUID)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.CodeInvalidInput, verr.Code)
}

func TestDeleteGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assets := f.mustCreate(t, f.book.RootAccountGUID, "Assets", TypeAsset)
	checking := f.mustCreate(t, assets.GUID, "Checking", TypeBank)

	// Parent with a child.
	err := f.svc.Delete(ctx, assets.GUID)
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeHasChildren, conflict.Code)

	// Account referenced by a split.
	_, err = f.db.ExecContext(ctx, `
		INSERT INTO commodities (guid, namespace, mnemonic, fullname, fraction)
		VALUES ('usd', 'CURRENCY', 'USD', 'US Dollar', 100)
	`)
	require.NoError(t, err)
	_, err = f.db.ExecContext(ctx, `
		INSERT INTO transactions (guid, book_guid, currency_guid, num, post_date, enter_date, description)
		VALUES ('t1', ?, 'usd', '', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z', 'x')
	`, f.book.GUID)
	require.NoError(t, err)
	_, err = f.db.ExecContext(ctx, `
		INSERT INTO splits (guid, tx_guid, account_guid, memo, action, reconcile_state, value_num, value_denom, quantity_num, quantity_denom)
		VALUES ('s1', 't1', ?, '', '', 'n', 100, 100, 100, 100)
	`, checking.GUID)
	require.NoError(t, err)

	err = f.svc.Delete(ctx, checking.GUID)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeHasTransactions, conflict.Code)

	// Root is owned by the book.
	err = f.svc.Delete(ctx, f.book.RootAccountGUID)
	var verr *errs.ValidationError
	assert.ErrorAs(t, err, &verr)

	// A clean leaf goes away.
	leaf := f.mustCreate(t, assets.GUID, "Empty", TypeCash)
	require.NoError(t, f.svc.Delete(ctx, leaf.GUID))
	_, err = f.svc.Get(ctx, leaf.GUID)
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestTreeSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assets := f.mustCreate(t, f.book.RootAccountGUID, "Assets", TypeAsset)
	bank := f.mustCreate(t, assets.GUID, "Bank", TypeBank)
	expenses := f.mustCreate(t, f.book.RootAccountGUID, "Expenses", TypeExpense)

	tree, err := f.svc.TreeOf(ctx, f.book.GUID)
	require.NoError(t, err)
	assert.Equal(t, f.book.RootAccountGUID, tree.RootGUID)
	assert.Len(t, tree.Accounts(), 4)

	assert.True(t, tree.IsDescendant(bank.GUID, assets.GUID))
	assert.False(t, tree.IsDescendant(assets.GUID, bank.GUID))
	assert.False(t, tree.IsDescendant(expenses.GUID, assets.GUID))

	var walked []string
	tree.Walk(tree.RootGUID, func(a *Account) { walked = append(walked, a.Name) })
	assert.Len(t, walked, 4)
	assert.Equal(t, "Root Account", walked[0])
}
