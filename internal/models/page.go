package models

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items           []T  `json:"items"`
	PageNumber      int  `json:"pageNumber"`
	PageSize        int  `json:"pageSize"`
	TotalCount      int  `json:"totalCount"`
	TotalPages      int  `json:"totalPages"`
	HasPreviousPage bool `json:"hasPreviousPage"`
	HasNextPage     bool `json:"hasNextPage"`
}

// NewPage builds a Page and derives the navigation fields.
func NewPage[T any](items []T, pageNumber, pageSize, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return Page[T]{
		Items:           items,
		PageNumber:      pageNumber,
		PageSize:        pageSize,
		TotalCount:      total,
		TotalPages:      pages,
		HasPreviousPage: pageNumber > 1,
		HasNextPage:     pageNumber < pages,
	}
}
