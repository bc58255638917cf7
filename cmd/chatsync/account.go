package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/textb-app/chatsync/backend"
)

var (
	accountEmail    string
	accountPassword string
	accountName     string

	profilePhone      string
	profileUniversity string
	profileMajor      string

	bookAuthor  string
	bookSubject string
	bookPrice   float64
	bookQuery   string
	bookMine    bool
)

func init() {
	for _, c := range []*cobra.Command{accountSignUpCmd, accountSignInCmd} {
		c.Flags().StringVar(&accountEmail, "email", "", "Account email")
		c.Flags().StringVar(&accountPassword, "password", "", "Account password (default $CHATSYNC_PASSWORD)")
		c.MarkFlagRequired("email")
	}
	accountSignUpCmd.Flags().StringVar(&accountName, "name", "", "Display name")

	accountProfileCmd.Flags().StringVar(&profilePhone, "phone", "", "Set the phone number")
	accountProfileCmd.Flags().StringVar(&profileUniversity, "university", "", "Set the university")
	accountProfileCmd.Flags().StringVar(&profileMajor, "major", "", "Set the major")

	booksAddCmd.Flags().StringVar(&bookAuthor, "author", "", "Author")
	booksAddCmd.Flags().StringVar(&bookSubject, "subject", "", "Subject")
	booksAddCmd.Flags().Float64Var(&bookPrice, "price", 0, "Asking price")
	booksListCmd.Flags().StringVar(&bookQuery, "query", "", "Search title, author or subject")
	booksListCmd.Flags().BoolVar(&bookMine, "mine", false, "Only my listings")

	booksCmd.AddCommand(booksListCmd, booksAddCmd)
	accountCmd.AddCommand(accountSignUpCmd, accountSignInCmd, accountProfileCmd, booksCmd)
	rootCmd.AddCommand(accountCmd)
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Backend accounts, profiles and book listings",
	Long:  "Sign up or sign in against the configured backend (see 'chatsync config set backend.kind').\nThe account id doubles as the chat identity.",
}

// accountApp opens the backend and wires its account flows to the engine.
type accountApp struct {
	*app
	store    backend.Store
	accounts *backend.Accounts
}

func newAccountApp(ctx context.Context) (*accountApp, error) {
	a, err := newApp()
	if err != nil {
		return nil, err
	}
	store, err := backend.Open(ctx, a.cfg.Backend)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open backend: %w", err)
	}
	return &accountApp{app: a, store: store, accounts: backend.NewAccounts(store, a.engine, a.log)}, nil
}

func (a *accountApp) Close() {
	a.store.Close()
	a.app.Close()
}

// signedIn resumes the account of the saved user id. Backend-only commands
// need no chat login.
func (a *accountApp) signedIn(ctx context.Context) (*backend.Account, error) {
	if a.cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("not signed in; run 'chatsync account signin' first")
	}
	p, err := a.store.Profile(ctx, a.cfg.Auth.UserID)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return nil, err
	}
	account := &backend.Account{ID: a.cfg.Auth.UserID, Email: p.Email, Name: p.Name}
	a.accounts.Resume(account)
	return account, nil
}

func password() string {
	if accountPassword != "" {
		return accountPassword
	}
	return os.Getenv("CHATSYNC_PASSWORD")
}

var accountSignUpCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and its chat identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := newAccountApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		account, err := a.accounts.SignUp(ctx, backend.SignUpParams{
			Email:    accountEmail,
			Password: password(),
			Name:     accountName,
		})
		if err != nil {
			if account != nil {
				return fmt.Errorf("account %s created but chat setup failed (run 'chatsync account signin' to finish): %w", account.ID, err)
			}
			return fmt.Errorf("sign up failed: %w", err)
		}
		if err := a.saveAuth(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account created: %s (%s)\n", account.ID, account.Email)
		return nil
	},
}

var accountSignInCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in to an account and its chat identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := newAccountApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		account, err := a.accounts.SignIn(ctx, accountEmail, password())
		if err != nil {
			return fmt.Errorf("sign in failed: %w", err)
		}
		if err := a.saveAuth(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", valueOrDefault(account.Name, account.Email))
		return nil
	},
}

var accountProfileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the profile, updating any field given as a flag",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := newAccountApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.signedIn(ctx); err != nil {
			return err
		}

		p, err := a.accounts.Profile(ctx)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("phone") || flags.Changed("university") || flags.Changed("major") {
			if flags.Changed("phone") {
				p.Phone = profilePhone
			}
			if flags.Changed("university") {
				p.University = profileUniversity
			}
			if flags.Changed("major") {
				p.Major = profileMajor
			}
			if err := a.accounts.UpdateProfile(ctx, p); err != nil {
				return err
			}
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), p)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Name:       %s\n", valueOrDefault(p.Name, "(none)"))
		fmt.Fprintf(out, "Email:      %s\n", valueOrDefault(p.Email, "(none)"))
		fmt.Fprintf(out, "Phone:      %s\n", valueOrDefault(p.Phone, "(none)"))
		fmt.Fprintf(out, "University: %s\n", valueOrDefault(p.University, "(none)"))
		fmt.Fprintf(out, "Major:      %s\n", valueOrDefault(p.Major, "(none)"))
		return nil
	},
}

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "Book listings",
}

var booksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List books for sale",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := newAccountApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		filter := backend.BookFilter{Query: bookQuery}
		if bookMine {
			account, err := a.signedIn(ctx)
			if err != nil {
				return err
			}
			filter.SellerID = account.ID
		}
		books, err := a.accounts.Books(ctx, filter)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, books)
		}
		if len(books) == 0 {
			fmt.Fprintln(out, "No books.")
			return nil
		}
		for _, b := range books {
			fmt.Fprintf(out, "%-30s %-20s %8.2f  seller %s\n", truncate(b.Title, 30), truncate(b.Author, 20), b.Price, b.SellerID)
		}
		return nil
	},
}

var booksAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "List a book for sale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		a, err := newAccountApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.signedIn(ctx); err != nil {
			return err
		}

		b, err := a.accounts.AddBook(ctx, backend.Book{
			Title:   args[0],
			Author:  bookAuthor,
			Subject: bookSubject,
			Price:   bookPrice,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Listed %q as %s\n", b.Title, b.ID)
		return nil
	},
}
