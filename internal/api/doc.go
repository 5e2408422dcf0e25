// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /extract and GET /jobs/{id} for job submission and status.
//   - POST /phone-code for the SMS relay.
//   - /captcha/... and GET /solve/{id} for human captcha solvers.
//   - GET /healthz and GET /metrics for probes and Prometheus scraping.
package api
