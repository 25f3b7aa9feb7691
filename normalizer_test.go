package enzyme

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNormalizerFallsBackToStandard(t *testing.T) {
	n := NewNormalizer("soap")
	assert.Equal(t, FormatStandard, n.Format())
	assert.Equal(t, "data", n.Mapping().Data)
}

func TestNormalizeStandard(t *testing.T) {
	n := NewNormalizer(FormatStandard)
	norm, err := n.Normalize(`{
		"data": [{"id": 1}],
		"meta": {"page": 2, "pageSize": 10, "total": 35},
		"links": {"self": "/items?page=2"}
	}`)
	require.NoError(t, err)

	assert.Equal(t, []any{map[string]any{"id": float64(1)}}, norm.Data)
	assert.Equal(t, "/items?page=2", norm.Links["self"])
	assert.Equal(t, &Pagination{
		Page:        2,
		PageSize:    10,
		Total:       35,
		TotalPages:  4,
		HasNextPage: true,
		HasPrevPage: true,
	}, norm.Pagination)
}

func TestNormalizeStandardExplicitFlags(t *testing.T) {
	norm, err := NewNormalizer(FormatStandard).Normalize([]byte(`{
		"data": [],
		"meta": {"page": 1, "totalPages": 9, "hasNextPage": false, "hasPrevPage": true, "nextCursor": "abc"}
	}`))
	require.NoError(t, err)
	assert.False(t, norm.Pagination.HasNextPage, "explicit flags win over position")
	assert.True(t, norm.Pagination.HasPrevPage)
	assert.Equal(t, "abc", norm.Pagination.NextCursor)
}

func TestNormalizeWithoutPagination(t *testing.T) {
	norm, err := NewNormalizer(FormatStandard).Normalize(map[string]any{"data": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", norm.Data)
	assert.Nil(t, norm.Pagination)
}

func TestNormalizeInvalidJSON(t *testing.T) {
	_, err := NewNormalizer(FormatStandard).Normalize("{not json")
	assert.Error(t, err)
}

func TestNormalizeJSONAPI(t *testing.T) {
	norm, err := NewNormalizer(FormatJSONAPI).Normalize(`{
		"data": [{"type": "articles", "id": "1"}],
		"included": [
			{"type": "people", "id": "9"},
			{"type": "comments", "id": "5"},
			{"type": "comments", "id": "12"}
		],
		"meta": {"page": {"currentPage": 1, "perPage": 1, "total": 3, "lastPage": 3}},
		"links": {"next": "/articles?page[number]=2", "prev": null}
	}`)
	require.NoError(t, err)

	assert.Len(t, norm.Included["comments"], 2)
	assert.Len(t, norm.Included["people"], 1)
	p := norm.Pagination
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 3, p.TotalPages)
	assert.True(t, p.HasNextPage)
	assert.False(t, p.HasPrevPage)
}

func TestNormalizeJSONAPILastPageWithoutNextLink(t *testing.T) {
	norm, err := NewNormalizer(FormatJSONAPI).Normalize(`{
		"data": [],
		"links": {"prev": "/articles?page[number]=2"}
	}`)
	require.NoError(t, err)
	require.NotNil(t, norm.Pagination)
	assert.False(t, norm.Pagination.HasNextPage, "an absent next link inside links means no next page")
	assert.True(t, norm.Pagination.HasPrevPage)
}

func TestNormalizeHAL(t *testing.T) {
	norm, err := NewNormalizer(FormatHAL).Normalize(`{
		"_embedded": {"orders": [{"id": 1}]},
		"_links": {"self": {"href": "/orders?page=0"}, "next": {"href": "/orders?page=1"}},
		"page": {"number": 0, "size": 1, "totalElements": 2, "totalPages": 2}
	}`)
	require.NoError(t, err)

	assert.Equal(t, "/orders?page=1", norm.Links["next"])
	assert.Contains(t, norm.Included, "orders")
	root, ok := norm.Data.(map[string]any)
	require.True(t, ok, "HAL data is the whole resource")
	assert.Contains(t, root, "page")

	p := norm.Pagination
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Page, "zero-based page numbers are shifted")
	assert.True(t, p.HasNextPage)
	assert.False(t, p.HasPrevPage)
}

func TestNormalizeSpringInvertedFlags(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		page    int
		hasNext bool
		hasPrev bool
	}{
		{"first page", `{"content": [1], "number": 0, "size": 1, "totalElements": 3, "totalPages": 3, "first": true, "last": false}`, 1, true, false},
		{"middle page", `{"content": [2], "number": 1, "size": 1, "totalElements": 3, "totalPages": 3, "first": false, "last": false}`, 2, true, true},
		{"last page", `{"content": [3], "number": 2, "size": 1, "totalElements": 3, "totalPages": 3, "first": false, "last": true}`, 3, false, true},
	}
	n := NewNormalizer(FormatSpringData)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			norm, err := n.Normalize(tt.body)
			require.NoError(t, err)
			p := norm.Pagination
			require.NotNil(t, p)
			assert.Equal(t, tt.page, p.Page)
			assert.Equal(t, tt.hasNext, p.HasNextPage)
			assert.Equal(t, tt.hasPrev, p.HasPrevPage)
		})
	}
}

func TestNormalizeLaravel(t *testing.T) {
	norm, err := NewNormalizer(FormatLaravel).Normalize(`{
		"data": [{"id": 1}],
		"links": {"first": "/u?page=1", "next": null, "prev": "/u?page=1"},
		"meta": {"current_page": 2, "per_page": 15, "total": 16, "last_page": 2}
	}`)
	require.NoError(t, err)
	p := norm.Pagination
	require.NotNil(t, p)
	assert.Equal(t, 2, p.Page)
	assert.Equal(t, 15, p.PageSize)
	assert.False(t, p.HasNextPage)
	assert.True(t, p.HasPrevPage)
	assert.Equal(t, map[string]string{"first": "/u?page=1", "prev": "/u?page=1"}, norm.Links)
}

func TestNormalizeDjango(t *testing.T) {
	n := NewNormalizer(FormatDjango)

	norm, err := n.Normalize(`{"count": 3, "next": "http://api/x?page=2", "previous": null, "results": [1, 2]}`)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, norm.Data)
	require.NotNil(t, norm.Pagination)
	assert.Equal(t, 3, norm.Pagination.Total)
	assert.True(t, norm.Pagination.HasNextPage)
	assert.False(t, norm.Pagination.HasPrevPage)

	norm, err = n.Normalize(`{"count": 3, "next": null, "previous": "http://api/x?page=1", "results": [3]}`)
	require.NoError(t, err)
	assert.False(t, norm.Pagination.HasNextPage)
	assert.True(t, norm.Pagination.HasPrevPage)
}

func TestNormalizeGraphQL(t *testing.T) {
	norm, err := NewNormalizer(FormatGraphQL).Normalize(`{
		"data": {"users": {
			"totalCount": 42,
			"edges": [{"node": {"id": "u1"}}],
			"pageInfo": {"hasNextPage": true, "hasPreviousPage": false, "endCursor": "Y3Vy", "startCursor": "c3Rh"}
		}}
	}`)
	require.NoError(t, err)
	p := norm.Pagination
	require.NotNil(t, p)
	assert.Equal(t, 42, p.Total)
	assert.True(t, p.HasNextPage)
	assert.False(t, p.HasPrevPage)
	assert.Equal(t, "Y3Vy", p.NextCursor)
	assert.Equal(t, "c3Rh", p.PrevCursor)
}

func TestNormalizeCustomMapping(t *testing.T) {
	n := NewCustomNormalizer(FieldMapping{
		Data: "payload.items",
		Pagination: PaginationMapping{
			Page:       "paging.current",
			TotalPages: "paging.pages",
		},
	})
	assert.Equal(t, FormatCustom, n.Format())

	norm, err := n.Normalize(`{"payload": {"items": ["a", "b"]}, "paging": {"current": 2, "pages": 2}}`)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, norm.Data)
	assert.False(t, norm.Pagination.HasNextPage)
	assert.True(t, norm.Pagination.HasPrevPage)
}

func TestNormalizeErrors(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		body   string
		want   []FieldError
		codes  []string
	}{
		{
			name:   "standard",
			format: FormatStandard,
			body:   `{"errors": [{"field": "email", "message": "is invalid", "code": "INVALID"}, {"message": "general"}]}`,
			want:   []FieldError{{Field: "email", Message: "is invalid", Code: "INVALID"}},
			codes:  []string{"INVALID", "VALIDATION"},
		},
		{
			name:   "jsonapi pointer",
			format: FormatJSONAPI,
			body:   `{"errors": [{"status": "422", "title": "Invalid", "detail": "must be present", "source": {"pointer": "/data/attributes/title"}}]}`,
			want:   []FieldError{{Field: "title", Message: "must be present"}},
			codes:  []string{"HTTP_422"},
		},
		{
			name:   "laravel field map",
			format: FormatLaravel,
			body:   `{"message": "The given data was invalid.", "errors": {"name": ["is required"], "age": ["too low", "not a number"]}}`,
			want: []FieldError{
				{Field: "age", Message: "too low"},
				{Field: "age", Message: "not a number"},
				{Field: "name", Message: "is required"},
			},
			codes: []string{"VALIDATION_ERROR", "VALIDATION_ERROR", "VALIDATION_ERROR"},
		},
		{
			name:   "django general keys",
			format: FormatDjango,
			body:   `{"non_field_errors": ["passwords differ"], "email": ["taken"]}`,
			want:   []FieldError{{Field: "email", Message: "taken"}},
			codes:  []string{"VALIDATION_ERROR", "VALIDATION"},
		},
		{
			name:   "graphql",
			format: FormatGraphQL,
			body:   `{"errors": [{"message": "Not allowed", "path": ["user", "email"], "extensions": {"code": "FORBIDDEN"}}]}`,
			want:   []FieldError{{Field: "user.email", Message: "Not allowed", Code: "FORBIDDEN"}},
			codes:  []string{"FORBIDDEN"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNormalizer(tt.format)
			assert.Equal(t, tt.want, n.FieldErrors(tt.body))

			var codes []string
			for _, e := range n.NormalizeErrors(tt.body) {
				codes = append(codes, e.Code)
			}
			assert.Equal(t, tt.codes, codes)
		})
	}
}

func TestNormalizeErrorsUninterpretable(t *testing.T) {
	assert.Nil(t, NewNormalizer(FormatStandard).NormalizeErrors("<html>oops</html>"))
	assert.Nil(t, NewNormalizer(FormatStandard).NormalizeErrors(`{"message": "no list"}`))
}

func TestLookupPath(t *testing.T) {
	doc := map[string]any{
		"a": map[string]any{"b": []any{"x", map[string]any{"c": 1.0}}},
		"m": map[string]any{"zeta": 2.0, "alpha": 1.0},
	}
	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"a.b.0", "x", true},
		{"a.b.1.c", 1.0, true},
		{"a.b.*", "x", true},
		{"m.*", 1.0, true},
		{"a.b.5", nil, false},
		{"a.missing", nil, false},
		{"a.b.x", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := lookupPath(doc, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDoNormalized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": [{"id": 1}], "number": 0, "size": 20, "totalElements": 1, "totalPages": 1, "first": true, "last": true}`))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL), WithNormalizer(NewNormalizer(FormatSpringData)))
	resp, err := client.DoNormalized(context.Background(), &Request{Path: "/orders"})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": float64(1)}}, resp.Data.Data)
	assert.False(t, resp.Data.Pagination.HasNextPage)
	assert.False(t, resp.Data.Pagination.HasPrevPage)
	assert.Equal(t, 1, resp.Data.Pagination.Page)
}
