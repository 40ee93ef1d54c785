package directory

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// Entry is one conveyancing firm contact in the directory.
type Entry struct {
	ID                    string
	FirmName              string
	ContactName           string
	Email                 string
	Phone                 string
	AddressLine           string
	Town                  string
	County                string
	Postcode              string
	Rating                float64
	ReviewCount           int
	FixedFeePence         *int64
	Accreditations        []string
	Active                bool
	TransactionsCompleted int
	CreatedAt             time.Time
}

// Query filters a directory search.
type Query struct {
	Text       string
	ActiveOnly bool
	PageSize   int
}

const defaultPageSize = 25

// NewQuery returns a query over active entries with the default page size.
func NewQuery(text string) Query {
	return Query{Text: text, ActiveOnly: true, PageSize: defaultPageSize}
}

func (q Query) normalized() Query {
	q.Text = strings.TrimSpace(q.Text)
	if q.PageSize <= 0 || q.PageSize > 100 {
		q.PageSize = defaultPageSize
	}
	return q
}

// Cursor marks the last entry of a page in rating order.
type Cursor struct {
	Rating float64
	ID     string
}

// Match reports whether e satisfies q: a case-insensitive substring of the
// contact name, firm name or town. Empty text matches everything.
func Match(e Entry, q Query) bool {
	if q.ActiveOnly && !e.Active {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return true
	}
	return strings.Contains(strings.ToLower(e.ContactName), text) ||
		strings.Contains(strings.ToLower(e.FirmName), text) ||
		strings.Contains(strings.ToLower(e.Town), text)
}

// Rank sorts entries by rating descending, ties broken by id descending so
// the order matches the keyset used by the repository.
func Rank(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(b.Rating, a.Rating); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

// After reports whether e sorts strictly after c in ranking order.
func (c Cursor) After(e Entry) bool {
	if e.Rating != c.Rating {
		return e.Rating < c.Rating
	}
	return e.ID < c.ID
}
