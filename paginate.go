package enzyme

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// PaginateOptions controls Paginate. In page mode PageParam is incremented
// from StartPage; setting CursorParam switches to cursor mode, where
// NextCursor supplies the next value.
type PaginateOptions[T any] struct {
	PageParam  string
	LimitParam string
	PageSize   int
	// MaxPages bounds the number of requests. Zero means no bound.
	MaxPages  int
	StartPage int

	CursorParam string

	// GetItems extracts a page's items. By default the body is normalized
	// with the client's Normalizer and its data decoded as []T.
	GetItems func(resp *Response[json.RawMessage]) ([]T, error)
	// HasMore reports whether another page follows. By default an explicit
	// has-next flag in the body decides, then a next cursor in cursor mode,
	// then the normalized pagination, and failing that a full page.
	HasMore func(resp *Response[json.RawMessage], items []T, page int) bool
	// NextCursor returns the cursor of the next page.
	NextCursor func(resp *Response[json.RawMessage]) string
}

func (o PaginateOptions[T]) withDefaults() PaginateOptions[T] {
	if o.PageParam == "" {
		o.PageParam = "page"
	}
	if o.LimitParam == "" {
		o.LimitParam = "limit"
	}
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.StartPage == 0 {
		o.StartPage = 1
	}
	return o
}

// Paginate issues page requests derived from base and accumulates their
// items. It stops when HasMore reports false, a page is empty, or MaxPages
// is reached. On failure the items gathered so far are returned with the
// error.
func Paginate[T any](ctx context.Context, c *Client, base *Request, opts PaginateOptions[T]) ([]T, error) {
	opts = opts.withDefaults()
	getItems := opts.GetItems
	if getItems == nil {
		getItems = func(resp *Response[json.RawMessage]) ([]T, error) {
			return normalizedItems[T](c.normalizer, resp.Data)
		}
	}
	hasMore := opts.HasMore
	if hasMore == nil {
		hasMore = func(resp *Response[json.RawMessage], items []T, _ int) bool {
			if p := normalizedPagination(c.normalizer, resp.Data); p != nil {
				if next, ok := explicitHasNext(c.normalizer, resp.Data); ok {
					return next
				}
				if opts.CursorParam != "" && p.NextCursor != "" {
					return true
				}
				return p.HasNextPage
			}
			return len(items) >= opts.PageSize
		}
	}
	nextCursor := opts.NextCursor
	if nextCursor == nil {
		nextCursor = func(resp *Response[json.RawMessage]) string {
			if p := normalizedPagination(c.normalizer, resp.Data); p != nil {
				return p.NextCursor
			}
			return ""
		}
	}

	var (
		all    []T
		cursor string
	)
	page := opts.StartPage
	for n := 0; opts.MaxPages <= 0 || n < opts.MaxPages; n++ {
		req := base.Clone()
		if req.Query == nil {
			req.Query = map[string]any{}
		}
		req.Query[opts.LimitParam] = strconv.Itoa(opts.PageSize)
		if opts.CursorParam != "" {
			if cursor != "" {
				req.Query[opts.CursorParam] = cursor
			}
		} else {
			req.Query[opts.PageParam] = strconv.Itoa(page)
		}

		resp, err := Send[json.RawMessage](ctx, c, req)
		if err != nil {
			return all, err
		}
		items, err := getItems(resp)
		if err != nil {
			return all, fmt.Errorf("extract page %d items: %w", page, err)
		}
		all = append(all, items...)

		if len(items) == 0 || !hasMore(resp, items, page) {
			break
		}
		if opts.CursorParam != "" {
			if cursor = nextCursor(resp); cursor == "" {
				break
			}
		}
		page++
	}
	return all, nil
}

func normalizedItems[T any](n *Normalizer, body json.RawMessage) ([]T, error) {
	norm, err := n.Normalize(body)
	if err != nil {
		return nil, err
	}
	if norm.Data == nil {
		return nil, nil
	}
	data, err := json.Marshal(norm.Data)
	if err != nil {
		return nil, err
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode page data: %w", err)
	}
	return items, nil
}

func normalizedPagination(n *Normalizer, body json.RawMessage) *Pagination {
	norm, err := n.Normalize(body)
	if err != nil {
		return nil
	}
	return norm.Pagination
}

// explicitHasNext reads the mapping's has-next flag straight from the body.
// ok is false when the body carries no such flag.
func explicitHasNext(n *Normalizer, body json.RawMessage) (next, ok bool) {
	pm := n.Mapping().Pagination
	doc, err := decodeDocument(body)
	if err != nil {
		return false, false
	}
	if next, ok = lookupBool(doc, pm.HasNext); ok && pm.HasNextInverted {
		next = !next
	}
	return next, ok
}
