// Package server hosts the Fiber HTTP service and its middleware chain:
// request IDs, CORS preamble, recover, and the diagnostics routes
// (/health, /ping, /stats). The caching pipeline itself lives in the proxy
// package and is injected through the ProxyHandler interface so tests can
// substitute fakes. Keep exports narrow and accept explicit dependencies.
package server
