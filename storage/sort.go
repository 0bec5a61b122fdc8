package storage

import (
	"cmp"
	"slices"
	"strings"
)

// SortAccounts orders accounts in place by the page's sort fields, breaking
// ties by ID. Backends without a query language use it before Paginate.
func SortAccounts(accounts []*Account, page Page) {
	slices.SortFunc(accounts, func(a, b *Account) int {
		for _, field := range page.SortBy {
			var c int
			switch field {
			case "id":
				c = cmp.Compare(a.ID, b.ID)
			case "email":
				c = strings.Compare(a.Email, b.Email)
			case "name":
				c = strings.Compare(a.Name, b.Name)
			case "createdAt":
				c = a.CreatedAt.Compare(b.CreatedAt)
			case "updatedAt":
				c = a.UpdatedAt.Compare(b.UpdatedAt)
			}
			if c != 0 {
				return page.apply(c)
			}
		}
		return page.apply(cmp.Compare(a.ID, b.ID))
	})
}

// SortClients orders clients in place by the page's sort fields, falling back
// to creation time and then client ID.
func SortClients(clients []*Client, page Page) {
	slices.SortFunc(clients, func(a, b *Client) int {
		for _, field := range page.SortBy {
			var c int
			switch field {
			case "clientId":
				c = strings.Compare(a.ClientID, b.ClientID)
			case "createdAt":
				c = a.CreatedAt.Compare(b.CreatedAt)
			}
			if c != 0 {
				return page.apply(c)
			}
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return page.apply(c)
		}
		return page.apply(strings.Compare(a.ClientID, b.ClientID))
	})
}

// Paginate returns the slice of all that falls on the page.
func Paginate[T any](all []T, page Page) []T {
	offset := page.Offset()
	if offset < 0 || offset >= len(all) {
		return nil
	}
	end := min(offset+page.Limit(), len(all))
	return all[offset:end]
}

func (p Page) apply(c int) int {
	if p.Direction == SortDesc {
		return -c
	}
	return c
}
