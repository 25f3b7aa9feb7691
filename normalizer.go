package enzyme

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// Normalized is a response body reshaped into the canonical form.
type Normalized struct {
	Data       any
	Pagination *Pagination
	Meta       map[string]any
	Links      map[string]string
	// Included holds side-loaded resources: grouped by type for array-based
	// conventions, or as sent for object-based ones.
	Included map[string]any
}

// Pagination is the canonical paging state. Page is 1-based.
type Pagination struct {
	Page        int
	PageSize    int
	Total       int
	TotalPages  int
	HasNextPage bool
	HasPrevPage bool
	NextCursor  string
	PrevCursor  string
}

// Normalizer maps one response convention onto Normalized.
type Normalizer struct {
	format  Format
	mapping FieldMapping
}

// NewNormalizer returns a normalizer for a built-in format. Unknown formats
// fall back to FormatStandard.
func NewNormalizer(format Format) *Normalizer {
	m, ok := profiles[format]
	if !ok {
		format, m = FormatStandard, profiles[FormatStandard]
	}
	return &Normalizer{format: format, mapping: m}
}

// NewCustomNormalizer returns a normalizer driven by mapping.
func NewCustomNormalizer(mapping FieldMapping) *Normalizer {
	return &Normalizer{format: FormatCustom, mapping: mapping}
}

// Format returns the normalizer's format.
func (n *Normalizer) Format() Format {
	return n.format
}

// Mapping returns the field mapping in use.
func (n *Normalizer) Mapping() FieldMapping {
	return n.mapping
}

// Normalize reshapes raw, which may be undecoded JSON ([]byte, string,
// json.RawMessage) or an already decoded value.
func (n *Normalizer) Normalize(raw any) (*Normalized, error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	m := n.mapping

	out := &Normalized{Data: doc}
	if m.Data != "" {
		out.Data, _ = lookupPath(doc, m.Data)
	}
	if m.Meta != "" {
		if meta, ok := lookupPath(doc, m.Meta); ok {
			out.Meta, _ = meta.(map[string]any)
		}
	}
	if m.Links != "" {
		if links, ok := lookupPath(doc, m.Links); ok {
			out.Links = extractLinks(links)
		}
	}
	if m.Included != "" {
		if inc, ok := lookupPath(doc, m.Included); ok {
			out.Included = groupIncluded(inc, m.IncludedMode)
		}
	}
	out.Pagination = m.Pagination.extract(doc)
	return out, nil
}

// NormalizeErrors converts an error body into one APIError per reported
// error. Bodies it cannot interpret yield nil.
func (n *Normalizer) NormalizeErrors(raw any) []*APIError {
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil
	}
	return n.mapping.Errors.extract(doc)
}

// FieldErrors returns the field-level failures in an error body.
func (n *Normalizer) FieldErrors(raw any) []FieldError {
	var out []FieldError
	for _, e := range n.NormalizeErrors(raw) {
		out = append(out, e.FieldErrors...)
	}
	return out
}

// DoNormalized executes req and normalizes its JSON body.
func (c *Client) DoNormalized(ctx context.Context, req *Request) (*Response[*Normalized], error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	norm, err := c.normalizer.Normalize(resp.Data)
	if err != nil {
		apiErr := newAPIError(CategoryUnknown, resp.Status, "normalize response body", err)
		apiErr.Code = "NORMALIZE_ERROR"
		apiErr.Request = resp.Request
		apiErr.RequestID = resp.Request.Meta.RequestID
		return nil, c.fail(ctx, apiErr)
	}
	return &Response[*Normalized]{
		Data:       norm,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Headers:    resp.Headers,
		Request:    resp.Request,
		Timing:     resp.Timing,
	}, nil
}

func decodeDocument(raw any) (any, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	case string:
		data = []byte(v)
	default:
		return raw, nil
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// lookupPath resolves a dotted path. Numeric segments index arrays and "*"
// selects the first child (by key order for objects).
func lookupPath(doc any, path string) (any, bool) {
	if path == "" {
		return doc, doc != nil
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			if seg == "*" {
				if len(node) == 0 {
					return nil, false
				}
				keys := make([]string, 0, len(node))
				for k := range node {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				cur = node[keys[0]]
				continue
			}
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx := 0
			if seg != "*" {
				i, err := strconv.Atoi(seg)
				if err != nil {
					return nil, false
				}
				idx = i
			}
			if idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func lookupString(doc any, path string) string {
	if path == "" {
		return ""
	}
	v, ok := lookupPath(doc, path)
	if !ok {
		return ""
	}
	return stringValue(v)
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			parts = append(parts, stringValue(p))
		}
		return strings.Join(parts, ".")
	}
	return ""
}

func lookupInt(doc any, path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	v, ok := lookupPath(doc, path)
	if !ok {
		return 0, false
	}
	return intValue(v)
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func lookupBool(doc any, path string) (bool, bool) {
	if path == "" {
		return false, false
	}
	v, ok := lookupPath(doc, path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// linkHref accepts a plain string link or an {"href": ...} object.
func linkHref(v any) string {
	switch l := v.(type) {
	case string:
		return l
	case map[string]any:
		if href, ok := l["href"].(string); ok {
			return href
		}
	}
	return ""
}

func extractLinks(v any) map[string]string {
	links, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(links))
	for rel, l := range links {
		if href := linkHref(l); href != "" {
			out[rel] = href
		}
	}
	return out
}

func groupIncluded(v any, mode IncludedMode) map[string]any {
	switch inc := v.(type) {
	case []any:
		if mode == IncludedPassThrough {
			return map[string]any{"items": inc}
		}
		out := make(map[string]any)
		for _, item := range inc {
			typ := "unknown"
			if obj, ok := item.(map[string]any); ok {
				if t, ok := obj["type"].(string); ok && t != "" {
					typ = t
				}
			}
			group, _ := out[typ].([]any)
			out[typ] = append(group, item)
		}
		return out
	case map[string]any:
		return inc
	}
	return nil
}

func (pm PaginationMapping) extract(doc any) *Pagination {
	p := &Pagination{}
	found := false

	if page, ok := lookupInt(doc, pm.Page); ok {
		if pm.ZeroBasedPage {
			page++
		}
		p.Page, found = page, true
	}
	if size, ok := lookupInt(doc, pm.PageSize); ok {
		p.PageSize, found = size, true
	}
	if total, ok := lookupInt(doc, pm.Total); ok {
		p.Total, found = total, true
	}
	if pages, ok := lookupInt(doc, pm.TotalPages); ok {
		p.TotalPages, found = pages, true
	} else if p.PageSize > 0 && p.Total > 0 {
		p.TotalPages = int(math.Ceil(float64(p.Total) / float64(p.PageSize)))
	}
	if cur := lookupString(doc, pm.NextCursor); cur != "" {
		p.NextCursor, found = cur, true
	}
	if cur := lookupString(doc, pm.PrevCursor); cur != "" {
		p.PrevCursor, found = cur, true
	}

	hasNext, nextKnown := lookupBool(doc, pm.HasNext)
	if nextKnown && pm.HasNextInverted {
		hasNext = !hasNext
	}
	if !nextKnown && pm.NextLink != "" {
		if v, ok := lookupPath(doc, pm.NextLink); ok || linkContainerPresent(doc, pm.NextLink) {
			hasNext, nextKnown = linkHref(v) != "", true
		}
	}
	if !nextKnown && p.Page > 0 && p.TotalPages > 0 {
		hasNext, nextKnown = p.Page < p.TotalPages, true
	}

	hasPrev, prevKnown := lookupBool(doc, pm.HasPrev)
	if prevKnown && pm.HasPrevInverted {
		hasPrev = !hasPrev
	}
	if !prevKnown && pm.PrevLink != "" {
		if v, ok := lookupPath(doc, pm.PrevLink); ok || linkContainerPresent(doc, pm.PrevLink) {
			hasPrev, prevKnown = linkHref(v) != "", true
		}
	}
	if !prevKnown && p.Page > 0 {
		hasPrev, prevKnown = p.Page > 1, true
	}

	p.HasNextPage, p.HasPrevPage = hasNext, hasPrev
	if !found && !nextKnown && !prevKnown {
		return nil
	}
	return p
}

// linkContainerPresent reports whether the object holding a link exists, so
// an absent "next" inside present links means there is no next page.
func linkContainerPresent(doc any, path string) bool {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return false
	}
	v, ok := lookupPath(doc, path[:i])
	if !ok {
		return false
	}
	_, isObj := v.(map[string]any)
	return isObj
}

func (em ErrorMapping) extract(doc any) []*APIError {
	if em.FieldMap {
		return em.extractFieldMap(doc)
	}
	if em.Path == "" {
		return nil
	}
	v, ok := lookupPath(doc, em.Path)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}

	var out []*APIError
	for _, item := range items {
		msg := ""
		for _, path := range em.Message {
			if msg = lookupString(item, path); msg != "" {
				break
			}
		}
		status, _ := lookupInt(item, em.Status)
		category := CategoryValidation
		if status > 0 {
			category = CategoryForStatus(status)
		}
		apiErr := newAPIError(category, status, msg, nil)
		if code := lookupString(item, em.Code); code != "" {
			apiErr.Code = code
		}
		if field := fieldName(lookupString(item, em.Field)); field != "" {
			apiErr.FieldErrors = []FieldError{{Field: field, Message: msg, Code: lookupString(item, em.Code)}}
		}
		if obj, ok := item.(map[string]any); ok {
			apiErr.Details = obj
		}
		out = append(out, apiErr)
	}
	return out
}

// extractFieldMap handles {"field": ["message", ...]} error bodies.
func (em ErrorMapping) extractFieldMap(doc any) []*APIError {
	v, ok := lookupPath(doc, em.Path)
	if !ok {
		return nil
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var out []*APIError
	for _, field := range keys {
		if slices.Contains(em.GeneralKeys, field) {
			for _, msg := range messages(fields[field]) {
				out = append(out, newAPIError(CategoryValidation, 0, msg, nil))
			}
			continue
		}
		for _, msg := range messages(fields[field]) {
			apiErr := newAPIError(CategoryValidation, http.StatusUnprocessableEntity, msg, nil)
			apiErr.Code = "VALIDATION_ERROR"
			apiErr.FieldErrors = []FieldError{{Field: field, Message: msg}}
			out = append(out, apiErr)
		}
	}
	return out
}

func messages(v any) []string {
	switch m := v.(type) {
	case string:
		return []string{m}
	case []any:
		out := make([]string, 0, len(m))
		for _, s := range m {
			if str := stringValue(s); str != "" {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// fieldName turns a JSON pointer such as /data/attributes/email into its
// last segment.
func fieldName(s string) string {
	if strings.HasPrefix(s, "/") {
		return s[strings.LastIndex(s, "/")+1:]
	}
	return s
}
