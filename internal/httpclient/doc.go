// Package httpclient wraps outbound HTTP calls in the request lifecycle:
// start, optional bearer token injection, send, success or error, finish.
//
// Pipeline is an http.RoundTripper. Its observer is fixed at construction;
// an observer that does not supply all four callbacks turns the pipeline
// into a plain passthrough. EnableInterception toggles only the token
// injection and never re-registers callbacks.
//
// Responses with a status of 400 or above are reported through OnError
// with a *StatusError and still returned to the caller, so callers keep
// the usual net/http semantics.
package httpclient
