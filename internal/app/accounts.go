package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// SetAccounts marks accounts active or inactive for monitoring.
func (a *App) SetAccounts(ctx context.Context, ids []string, active bool) error {
	if len(ids) == 0 {
		return errors.New("at least one account id is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; use the accounts config list instead")
	}
	if closeStore != nil {
		defer closeStore()
	}

	updated := 0
	failed := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := store.UpsertAccount(ctx, id, active); err != nil {
			failed++
			a.Logger.Error().Err(err).Str("account", id).Msg("failed to update account")
			continue
		}
		updated++
	}

	a.Logger.Info().Int("updated", updated).Int("failed", failed).Bool("active", active).Msg("accounts updated")
	if failed > 0 {
		return errors.New("some accounts could not be updated; check the logs")
	}
	return nil
}

// ListAccounts prints the accounts currently under monitoring.
func (a *App) ListAccounts(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Account\tSince (UTC)\tSource")

	if store == nil {
		for _, id := range a.Config.Accounts {
			fmt.Fprintf(writer, "%s\t-\tconfig\n", sanitizeInline(id))
		}
		return writer.Flush()
	}

	accounts, err := store.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		fmt.Fprintf(writer, "%s\t%s\tdatabase\n", sanitizeInline(acct.ID), acct.CreatedAt.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}
