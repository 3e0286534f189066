// Package server hosts the embeddable metrics endpoint and any extra routes
// registered by the host application.
//
// A Server owns an endpoint table and a metrics registry. Start binds the
// configured port and launches a single accept loop; each connection is read,
// dispatched and answered before the next one is accepted, so handlers never
// run concurrently with each other. Every response carries permissive CORS
// headers and OPTIONS requests are answered without consulting the table.
//
// The built-in GET /metrics endpoint evaluates the registry on every request
// and wraps the result under the server name.
package server
