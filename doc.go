// Package enzyme is a client-side HTTP request pipeline. A *Client turns a
// declarative Request into a decoded Response or a classified *APIError:
//
//   - Retries with exponential, decorrelated or constant backoff, abortable
//     by cancellation
//   - One token refresh and retry on 401, shared by concurrent callers
//   - Per-endpoint rate limiting (queue, delay or reject) that honours
//     server-advertised limits and 429 Retry-After
//   - Deduplication of identical in-flight requests
//   - Orchestration: Parallel, AllSettled, Sequence, Waterfall, dependency
//     graphs (Orchestrate), fallbacks and pagination
//   - Normalization of common response conventions (JSON:API, HAL, Spring
//     Data, Laravel, Django, GraphQL)
//   - Prometheus metrics, OpenTelemetry spans and slog logging
//
// Typical usage:
//
//	client := enzyme.New(
//	    enzyme.WithBaseURL("https://api.example.com"),
//	    enzyme.WithRateLimitPreset(enzyme.PresetStandard),
//	    enzyme.WithTokenProvider(store, enzyme.OAuth2Refresher(oauthConfig)),
//	)
//	defer client.Close()
//
//	user, err := enzyme.Send[User](ctx, client, &enzyme.Request{
//	    Method:     http.MethodGet,
//	    Path:       "/users/{id}",
//	    PathParams: map[string]string{"id": "42"},
//	})
//
// Every failure is an *APIError; use AsAPIError, IsCategory or errors.Is with
// the package sentinels to inspect it.
package enzyme
