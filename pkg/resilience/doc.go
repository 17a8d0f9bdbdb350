// Package resilience holds retry timing strategies and a circuit breaker used
// around calls to remote collaborators (payment gateway, Postgres, Redis).
package resilience
