package server

import (
	"net/http"
)

// maxBodySizeMiddleware limits POST/PUT/PATCH request body size to
// maxBodyBytes.
//
// Requests whose Content-Length already exceeds the limit are rejected
// with 413. All write requests also have their body wrapped with
// http.MaxBytesReader as a safety net against chunked or unannounced
// oversized payloads.
func maxBodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if r.ContentLength > maxBodyBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large (limit 1MB)")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
