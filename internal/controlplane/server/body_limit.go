package server

import "net/http"

// apiMaxBodyBytes caps request bodies on the management API. Webhook
// deliveries enforce their own, smaller cap inside the ingress.
const apiMaxBodyBytes = 1 << 20

// maxBodySizeMiddleware rejects oversized requests up front and wraps
// the body so handlers that stream past the limit fail too.
func maxBodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > apiMaxBodyBytes {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body exceeds limit")
			return
		}
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			r.Body = http.MaxBytesReader(w, r.Body, apiMaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
