package storage

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when a request omits the size parameter
	DefaultPageSize = 20

	// MaxPageSize caps the size parameter
	MaxPageSize = 100

	// MaxPageNumber keeps Offset within int for every accepted size
	MaxPageNumber = math.MaxInt / MaxPageSize
)

// SortDirection is the ordering applied to sort fields.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortFields is the allow-list of sortable fields for one resource type.
// Keys are the names accepted on the wire, values the backing column names.
type SortFields map[string]string

// AccountSortFields lists the fields accounts may be sorted by.
var AccountSortFields = SortFields{
	"id":        "id",
	"email":     "email",
	"name":      "name",
	"createdAt": "created_at",
	"updatedAt": "updated_at",
}

// ClientSortFields lists the fields clients may be sorted by.
var ClientSortFields = SortFields{
	"clientId":  "client_id",
	"createdAt": "created_at",
}

// Page is a validated page request. Number is 1-based.
type Page struct {
	Number    int
	Size      int
	SortBy    []string // wire field names, already checked against the allow-list
	Direction SortDirection
}

// Offset returns the number of rows to skip. It saturates at math.MaxInt
// instead of overflowing.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	size := p.Limit()
	if p.Number-1 > math.MaxInt/size {
		return math.MaxInt
	}
	return (p.Number - 1) * size
}

// Limit returns the page size, falling back to DefaultPageSize.
func (p Page) Limit() int {
	if p.Size < 1 {
		return DefaultPageSize
	}
	return p.Size
}

// FieldError describes one rejected page parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// PageError collects every rejected page parameter.
type PageError struct {
	Fields []FieldError
}

func (e *PageError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidPage, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrInvalidPage.
func (e *PageError) Unwrap() error {
	return ErrInvalidPage
}

var positiveInt = regexp.MustCompile(`^[1-9][0-9]*$`)

// ParsePage validates raw page, size and sort parameters against the allow-list.
//
// The sort parameter has the form "field[,field...][,asc|desc]". Empty page or
// size use the defaults; anything else must be a positive integer.
func ParsePage(page, size, sort string, allowed SortFields) (Page, error) {
	p := Page{Number: 1, Size: DefaultPageSize, Direction: SortAsc}
	var errs []FieldError

	if page != "" {
		if !positiveInt.MatchString(page) {
			errs = append(errs, FieldError{Field: "page", Message: "page is wrong"})
		} else if n, err := strconv.Atoi(page); err == nil && n <= MaxPageNumber {
			p.Number = n
		} else {
			errs = append(errs, FieldError{Field: "page", Message: "page is wrong"})
		}
	}

	if size != "" {
		if !positiveInt.MatchString(size) {
			errs = append(errs, FieldError{Field: "size", Message: "size is wrong"})
		} else if n, err := strconv.Atoi(size); err == nil {
			p.Size = min(n, MaxPageSize)
		} else {
			errs = append(errs, FieldError{Field: "size", Message: "size is wrong"})
		}
	}

	if sort = strings.TrimSpace(sort); sort != "" {
		parts := strings.Split(sort, ",")
		last := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
		fields := parts
		if len(parts) > 1 {
			_, isField := allowed[strings.TrimSpace(parts[len(parts)-1])]
			switch dir := SortDirection(last); {
			case dir == SortAsc || dir == SortDesc:
				p.Direction = dir
				fields = parts[:len(parts)-1]
			case !isField:
				errs = append(errs, FieldError{Field: "sort", Message: "sort direction is wrong"})
				fields = parts[:len(parts)-1]
			}
		}
		for _, f := range fields {
			f = strings.TrimSpace(f)
			if _, ok := allowed[f]; !ok {
				errs = append(errs, FieldError{Field: "sort", Message: "sort property is wrong"})
				continue
			}
			p.SortBy = append(p.SortBy, f)
		}
	}

	if len(errs) > 0 {
		return Page{}, &PageError{Fields: errs}
	}
	return p, nil
}

// OrderBy renders the sort fields as a SQL ORDER BY list using the allow-list
// column names. Returns fallback when no sort fields were requested.
func (p Page) OrderBy(allowed SortFields, fallback string) string {
	if len(p.SortBy) == 0 {
		return fallback
	}
	dir := "ASC"
	if p.Direction == SortDesc {
		dir = "DESC"
	}
	cols := make([]string, 0, len(p.SortBy))
	for _, f := range p.SortBy {
		if col, ok := allowed[f]; ok {
			cols = append(cols, col+" "+dir)
		}
	}
	if len(cols) == 0 {
		return fallback
	}
	return strings.Join(cols, ", ")
}
