package server

import "net/http"

const (
	corsAllowOrigin  = "*"
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Accept, X-Requested-With"
)

// applyCORSHeaders sets the cross-origin headers carried by every response,
// error and miss responses included.
func applyCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", corsAllowOrigin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions
}
