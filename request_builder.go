package enzyme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"
)

const (
	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeOcts = "application/octet-stream"
)

// resolveURL substitutes path params, joins the base URL and serializes the
// query. Query keys are sorted.
func (c *Client) resolveURL(req *Request) (string, error) {
	prefix, path := splitOrigin(req.Path)
	path = substitutePath(path, req.PathParams)

	raw := prefix + path
	if prefix == "" && c.baseURL != "" {
		raw = strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse request url %q: %w", raw, err)
	}

	q := u.Query()
	for k, v := range req.Query {
		appendQuery(q, k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// splitOrigin separates "scheme://host" from the path of an absolute URL.
func splitOrigin(p string) (origin, path string) {
	i := strings.Index(p, "://")
	if i < 0 {
		return "", p
	}
	rest := p[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		return p[:i+3+j], rest[j:]
	}
	return p, ""
}

func substitutePath(path string, params map[string]string) string {
	if len(params) == 0 {
		return path
	}
	for name, value := range params {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if len(seg) > 1 && seg[0] == ':' {
			if value, ok := params[seg[1:]]; ok {
				segments[i] = url.PathEscape(value)
			}
		}
	}
	return strings.Join(segments, "/")
}

func appendQuery(q url.Values, key string, v any) {
	switch val := v.(type) {
	case nil:
		return
	case string:
		q.Add(key, val)
	case []string:
		for _, s := range val {
			q.Add(key, s)
		}
	case time.Time:
		q.Add(key, val.Format(time.RFC3339))
	case fmt.Stringer:
		q.Add(key, val.String())
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			for i := 0; i < rv.Len(); i++ {
				appendQuery(q, key, rv.Index(i).Interface())
			}
			return
		}
		if rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return
			}
			appendQuery(q, key, rv.Elem().Interface())
			return
		}
		q.Add(key, fmt.Sprint(v))
	}
}

// encodeBody serializes body according to contentType, inferring the content
// type when empty. The body is buffered so every attempt can resend it.
func encodeBody(body any, contentType string) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, contentType, nil
	case []byte:
		return b, orDefault(contentType, contentTypeOcts), nil
	case string:
		return []byte(b), orDefault(contentType, contentTypeText), nil
	case url.Values:
		return []byte(b.Encode()), orDefault(contentType, contentTypeForm), nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", fmt.Errorf("read request body: %w", err)
		}
		return data, orDefault(contentType, contentTypeOcts), nil
	}

	if strings.HasPrefix(contentType, contentTypeForm) {
		form, err := toForm(body)
		if err != nil {
			return nil, "", err
		}
		return []byte(form.Encode()), contentType, nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request body: %w", err)
	}
	return data, orDefault(contentType, contentTypeJSON), nil
}

func toForm(body any) (url.Values, error) {
	form := url.Values{}
	switch b := body.(type) {
	case map[string]string:
		for k, v := range b {
			form.Set(k, v)
		}
	case map[string]any:
		for k, v := range b {
			appendQuery(form, k, v)
		}
	default:
		return nil, fmt.Errorf("encode request body: cannot form-encode %T", body)
	}
	return form, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func acceptFor(rt ResponseType) string {
	switch rt {
	case ResponseJSON:
		return contentTypeJSON
	case ResponseText:
		return "text/*, */*"
	default:
		return "*/*"
	}
}

// preparedRequest is a request resolved once and turned into a fresh
// *http.Request for every attempt.
type preparedRequest struct {
	method      string
	url         string
	body        []byte
	contentType string
	header      http.Header
}

func (c *Client) prepare(req *Request) (*preparedRequest, error) {
	u, err := c.resolveURL(req)
	if err != nil {
		return nil, err
	}
	body, ct, err := encodeBody(req.Body, req.ContentType)
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	for k, v := range c.defaultHeaders {
		h.Set(k, v)
	}
	for k, v := range req.Headers {
		h.Set(k, v)
	}
	if h.Get("Accept") == "" {
		h.Set("Accept", acceptFor(req.responseType()))
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", UserAgent())
	}
	if ct != "" && body != nil {
		h.Set("Content-Type", ct)
	}
	if req.Meta.RequestID != "" {
		h.Set("X-Request-ID", req.Meta.RequestID)
	}
	if req.Meta.CorrelationID != "" {
		h.Set("X-Correlation-ID", req.Meta.CorrelationID)
	}
	if req.Meta.IdempotencyKey != "" {
		h.Set("Idempotency-Key", req.Meta.IdempotencyKey)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return &preparedRequest{method: method, url: u, body: body, contentType: ct, header: h}, nil
}

func (p *preparedRequest) build(ctx context.Context, authHeader, authValue string) (*http.Request, error) {
	var body io.Reader
	if p.body != nil {
		body = bytes.NewReader(p.body)
	}
	hr, err := http.NewRequestWithContext(ctx, p.method, p.url, body)
	if err != nil {
		return nil, fmt.Errorf("build http request: %w", err)
	}
	hr.Header = p.header.Clone()
	if authValue != "" {
		hr.Header.Set(authHeader, authValue)
	}
	return hr, nil
}
