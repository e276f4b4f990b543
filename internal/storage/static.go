package storage

import (
	"context"
	"strings"
)

// StaticAccounts serves a fixed account list when no database is configured.
type StaticAccounts []string

// ListActiveAccounts returns every non-blank id as an active account.
func (s StaticAccounts) ListActiveAccounts(context.Context) ([]Account, error) {
	out := make([]Account, 0, len(s))
	for _, id := range s {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, Account{ID: id, IsActive: true})
		}
	}
	return out, nil
}

var _ AccountStore = StaticAccounts(nil)
