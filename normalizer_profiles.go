package enzyme

// Format names a response convention.
type Format string

const (
	FormatStandard   Format = "standard"
	FormatJSONAPI    Format = "jsonapi"
	FormatHAL        Format = "hal"
	FormatSpringData Format = "spring"
	FormatLaravel    Format = "laravel"
	FormatDjango     Format = "django"
	FormatGraphQL    Format = "graphql"
	FormatCustom     Format = "custom"
)

// IncludedMode selects how side-loaded resources are surfaced.
type IncludedMode int

const (
	// IncludedGroupByType groups an array of resources by their "type".
	IncludedGroupByType IncludedMode = iota
	// IncludedPassThrough keeps the resources as sent.
	IncludedPassThrough
)

// FieldMapping maps dotted paths in a response body onto Normalized. An
// empty Data path selects the whole document.
type FieldMapping struct {
	Data         string
	Meta         string
	Links        string
	Included     string
	IncludedMode IncludedMode
	Pagination   PaginationMapping
	Errors       ErrorMapping
}

// PaginationMapping locates paging fields. When HasNext or HasPrev is absent
// from a body, link presence (NextLink, PrevLink) decides, and failing that
// the page position.
type PaginationMapping struct {
	Page       string
	PageSize   string
	Total      string
	TotalPages string
	HasNext    string
	HasPrev    string
	NextCursor string
	PrevCursor string
	NextLink   string
	PrevLink   string

	// HasNextInverted means the HasNext field is true on the last page.
	HasNextInverted bool
	// HasPrevInverted means the HasPrev field is true on the first page.
	HasPrevInverted bool
	ZeroBasedPage   bool
}

// ErrorMapping locates errors in an error body. Paths other than Path are
// relative to each error entry. Message lists candidates in order.
type ErrorMapping struct {
	Path    string
	Message []string
	Code    string
	Field   string
	Status  string

	// FieldMap means Path holds an object of field name to messages.
	FieldMap bool
	// GeneralKeys are FieldMap keys that carry non-field messages.
	GeneralKeys []string
}

var profiles = map[Format]FieldMapping{
	FormatStandard: {
		Data:  "data",
		Meta:  "meta",
		Links: "links",
		Pagination: PaginationMapping{
			Page:       "meta.page",
			PageSize:   "meta.pageSize",
			Total:      "meta.total",
			TotalPages: "meta.totalPages",
			HasNext:    "meta.hasNextPage",
			HasPrev:    "meta.hasPrevPage",
			NextCursor: "meta.nextCursor",
			PrevCursor: "meta.prevCursor",
		},
		Errors: ErrorMapping{
			Path:    "errors",
			Message: []string{"message"},
			Code:    "code",
			Field:   "field",
			Status:  "status",
		},
	},
	FormatJSONAPI: {
		Data:         "data",
		Meta:         "meta",
		Links:        "links",
		Included:     "included",
		IncludedMode: IncludedGroupByType,
		Pagination: PaginationMapping{
			Page:       "meta.page.currentPage",
			PageSize:   "meta.page.perPage",
			Total:      "meta.page.total",
			TotalPages: "meta.page.lastPage",
			NextLink:   "links.next",
			PrevLink:   "links.prev",
		},
		Errors: ErrorMapping{
			Path:    "errors",
			Message: []string{"detail", "title"},
			Code:    "code",
			Field:   "source.pointer",
			Status:  "status",
		},
	},
	FormatHAL: {
		Links:        "_links",
		Included:     "_embedded",
		IncludedMode: IncludedPassThrough,
		Pagination: PaginationMapping{
			Page:          "page.number",
			PageSize:      "page.size",
			Total:         "page.totalElements",
			TotalPages:    "page.totalPages",
			NextLink:      "_links.next",
			PrevLink:      "_links.prev",
			ZeroBasedPage: true,
		},
		Errors: ErrorMapping{
			Path:    "_embedded.errors",
			Message: []string{"message"},
			Code:    "code",
			Field:   "path",
		},
	},
	FormatSpringData: {
		Data: "content",
		Pagination: PaginationMapping{
			Page:            "number",
			PageSize:        "size",
			Total:           "totalElements",
			TotalPages:      "totalPages",
			HasNext:         "last",
			HasPrev:         "first",
			HasNextInverted: true,
			HasPrevInverted: true,
			ZeroBasedPage:   true,
		},
		Errors: ErrorMapping{
			Path:    "errors",
			Message: []string{"defaultMessage", "message"},
			Code:    "code",
			Field:   "field",
		},
	},
	FormatLaravel: {
		Data:  "data",
		Meta:  "meta",
		Links: "links",
		Pagination: PaginationMapping{
			Page:       "meta.current_page",
			PageSize:   "meta.per_page",
			Total:      "meta.total",
			TotalPages: "meta.last_page",
			NextLink:   "links.next",
			PrevLink:   "links.prev",
		},
		Errors: ErrorMapping{
			Path:     "errors",
			FieldMap: true,
		},
	},
	FormatDjango: {
		Data: "results",
		Pagination: PaginationMapping{
			Total:    "count",
			NextLink: "next",
			PrevLink: "previous",
		},
		Errors: ErrorMapping{
			FieldMap:    true,
			GeneralKeys: []string{"detail", "non_field_errors"},
		},
	},
	FormatGraphQL: {
		Data: "data",
		Pagination: PaginationMapping{
			Total:      "data.*.totalCount",
			HasNext:    "data.*.pageInfo.hasNextPage",
			HasPrev:    "data.*.pageInfo.hasPreviousPage",
			NextCursor: "data.*.pageInfo.endCursor",
			PrevCursor: "data.*.pageInfo.startCursor",
		},
		Errors: ErrorMapping{
			Path:    "errors",
			Message: []string{"message"},
			Code:    "extensions.code",
			Field:   "path",
			Status:  "extensions.status",
		},
	},
}
