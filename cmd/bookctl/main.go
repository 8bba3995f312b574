// bookctl is the command line front end of the ledger: book lifecycle,
// whole-book import/export, account registers and balances.
package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/bookledger/internal/accounts"
	"github.com/example/bookledger/internal/book"
	"github.com/example/bookledger/internal/config"
	"github.com/example/bookledger/internal/interchange"
	"github.com/example/bookledger/internal/ledger"
	"github.com/example/bookledger/internal/numeric"
	"github.com/example/bookledger/internal/prices"
	"github.com/example/bookledger/internal/store"
	"github.com/example/bookledger/pkg/audit"
	"github.com/example/bookledger/pkg/logger"
)

// app carries the wired services for every subcommand.
type app struct {
	cfg         *config.Config
	db          *store.DB
	books       *book.Service
	accounts    *accounts.Service
	prices      *prices.Service
	ledger      *ledger.Service
	interchange *interchange.Service
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		a          app
		configPath string
		dbOverride string
	)

	root := &cobra.Command{
		Use:           "bookctl",
		Short:         "Double-entry ledger administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A .env file is a development convenience, never required.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbOverride != "" {
				cfg.DatabaseURL = dbOverride
			}

			log := logger.New(cfg.LogLevel, cfg.LogFormat)
			db, err := store.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}

			chain := audit.NewChainLogger()
			a.cfg = cfg
			a.db = db
			a.books = book.NewService(db, log)
			a.accounts = accounts.NewService(db, log)
			a.prices = prices.NewService(db, log)
			a.ledger = ledger.NewService(db, log, chain)
			a.interchange = interchange.NewService(db, log, chain, a.ledger, a.accounts, a.prices)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.db != nil {
				a.db.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "bookledger.toml", "path to the TOML config file")
	root.PersistentFlags().StringVar(&dbOverride, "db", "", "database DSN (overrides config)")

	root.AddCommand(
		newInitCmd(&a),
		newBooksCmd(&a),
		newImportCmd(&a),
		newExportCmd(&a),
		newRegisterCmd(&a),
		newBalanceCmd(&a),
	)
	return root
}

func newInitCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the schema and a first book",
		RunE: func(cmd *cobra.Command, args []string) error {
			existing, err := a.books.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				fmt.Printf("database already initialized with %d book(s)\n", len(existing))
				return nil
			}
			b, err := a.books.Create(cmd.Context(), name)
			if err != nil {
				return err
			}
			if _, err := a.prices.EnsureCommodity(cmd.Context(),
				prices.NamespaceCurrency, a.cfg.DefaultCurrency, "", currencyFraction(a.cfg.DefaultCurrency)); err != nil {
				return err
			}
			fmt.Printf("created book %q (%s)\n", b.Name, b.GUID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "My Book", "name of the first book")
	return cmd
}

func newBooksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "books",
		Short: "Manage books",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all books",
			RunE: func(c *cobra.Command, args []string) error {
				books, err := a.books.List(c.Context())
				if err != nil {
					return err
				}
				for _, b := range books {
					fmt.Printf("%s  %s  (created %s)\n", b.GUID, b.Name, b.CreatedAt.Format("2006-01-02"))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a book",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				b, err := a.books.Create(c.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("created book %q (%s)\n", b.Name, b.GUID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <guid>",
			Short: "Delete a book and everything it owns",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				return a.books.Delete(c.Context(), args[0])
			},
		},
	)
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var (
		bookGUID string
		preview  bool
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a book document (gzip or plain XML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			bookGUID, err = resolveBook(a, c, bookGUID)
			if err != nil {
				return err
			}
			report, err := a.interchange.Import(c.Context(), bookGUID, data, preview)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}
	cmd.Flags().StringVar(&bookGUID, "book", "", "target book guid (defaults to the only book)")
	cmd.Flags().BoolVar(&preview, "preview", false, "validate and report without writing")
	return cmd
}

func printReport(r *interchange.Report) {
	mode := "imported"
	if r.Preview {
		mode = "would import"
	}
	fmt.Printf("%s: %d commodities, %d accounts, %d transactions (%d splits), %d prices, %d budgets (%d amounts)\n",
		mode, r.Counts.Commodities, r.Counts.Accounts, r.Counts.Transactions, r.Counts.Splits,
		r.Counts.Prices, r.Counts.Budgets, r.Counts.BudgetAmounts)
	for _, s := range r.Skipped {
		fmt.Printf("skipped: %s\n", s)
	}
	for _, w := range r.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
}

func newExportCmd(a *app) *cobra.Command {
	var (
		bookGUID string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a whole book to a compressed document",
		RunE: func(c *cobra.Command, args []string) error {
			var err error
			bookGUID, err = resolveBook(a, c, bookGUID)
			if err != nil {
				return err
			}
			data, suggested, err := a.interchange.Export(c.Context(), bookGUID)
			if err != nil {
				return err
			}
			path := output
			if path == "" {
				path = suggested
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes to %s\n", len(data), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&bookGUID, "book", "", "book guid (defaults to the only book)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (defaults to a name derived from the book)")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var (
		bookGUID    string
		accountGUID string
		limit       int
		offset      int
		endDate     string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Show an account register, newest first, with running balances",
		RunE: func(c *cobra.Command, args []string) error {
			var err error
			bookGUID, err = resolveBook(a, c, bookGUID)
			if err != nil {
				return err
			}
			q := ledger.RegisterQuery{Limit: limit, Offset: offset}
			if endDate != "" {
				d, err := time.Parse("2006-01-02", endDate)
				if err != nil {
					return fmt.Errorf("invalid --end date %q: %w", endDate, err)
				}
				bound := d.Add(24*time.Hour - time.Second)
				q.EndDate = &bound
			}
			page, err := a.ledger.AccountRegister(c.Context(), bookGUID, accountGUID, q)
			if err != nil {
				return err
			}
			for _, row := range page.Rows {
				fmt.Printf("%s  %-40s  %12s  %12s\n",
					row.Transaction.PostDate.Format("2006-01-02"),
					truncate(row.Transaction.Description, 40),
					row.Quantity.String(), row.Balance.String())
			}
			fmt.Printf("total balance: %s\n", page.TotalBalance.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&bookGUID, "book", "", "book guid (defaults to the only book)")
	cmd.Flags().StringVar(&accountGUID, "account", "", "account guid")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size (0 for everything)")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip from the newest end")
	cmd.Flags().StringVar(&endDate, "end", "", "only transactions posted on or before this date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("account")
	return cmd
}

func newBalanceCmd(a *app) *cobra.Command {
	var (
		bookGUID    string
		accountGUID string
		asOf        string
	)
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show an account balance in its commodity",
		RunE: func(c *cobra.Command, args []string) error {
			var err error
			bookGUID, err = resolveBook(a, c, bookGUID)
			if err != nil {
				return err
			}
			var bound *time.Time
			if asOf != "" {
				d, err := time.Parse("2006-01-02", asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of date %q: %w", asOf, err)
				}
				end := d.Add(24*time.Hour - time.Second)
				bound = &end
			}
			balance, err := a.ledger.TotalBalance(c.Context(), bookGUID, accountGUID, bound)
			if err != nil {
				return err
			}
			acct, err := a.accounts.Get(c.Context(), accountGUID)
			if err != nil {
				return err
			}
			path, err := a.accounts.FullPath(c.Context(), accountGUID)
			if err != nil {
				return err
			}

			display := balance.String()
			if acct.CommodityGUID != "" {
				commodity, err := a.prices.GetCommodity(c.Context(), acct.CommodityGUID)
				if err != nil {
					return err
				}
				display = formatBalance(balance, commodity)
			}
			fmt.Printf("%s: %s\n", strings.Join(path, ":"), display)
			return nil
		},
	}
	cmd.Flags().StringVar(&bookGUID, "book", "", "book guid (defaults to the only book)")
	cmd.Flags().StringVar(&accountGUID, "account", "", "account guid")
	cmd.Flags().StringVar(&asOf, "as-of", "", "balance as of this date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("account")
	return cmd
}

// formatBalance renders a balance with its currency symbol when the
// commodity is an ISO currency go-money knows; securities and custom
// fractions fall back to plain decimal plus the mnemonic.
func formatBalance(balance numeric.Numeric, commodity *prices.Commodity) string {
	if commodity.IsCurrency() {
		if cur := money.GetCurrency(commodity.Mnemonic); cur != nil {
			minorDenom := int64(math.Pow10(cur.Fraction))
			if v, err := balance.Convert(minorDenom); err == nil {
				return money.New(v.Num, commodity.Mnemonic).Display()
			}
		}
	}
	return balance.StringFixed(commodity.Fraction) + " " + commodity.Mnemonic
}

// currencyFraction is the smallest-unit denominator of an ISO currency,
// 100 when go-money does not know the code.
func currencyFraction(code string) int64 {
	if cur := money.GetCurrency(code); cur != nil {
		return int64(math.Pow10(cur.Fraction))
	}
	return 100
}

// resolveBook defaults to the only existing book when no guid is given.
func resolveBook(a *app, cmd *cobra.Command, guid string) (string, error) {
	if guid != "" {
		return guid, nil
	}
	books, err := a.books.List(cmd.Context())
	if err != nil {
		return "", err
	}
	switch len(books) {
	case 0:
		return "", errors.New("no books exist; run bookctl init first")
	case 1:
		return books[0].GUID, nil
	default:
		return "", errors.New("multiple books exist; pass --book")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
