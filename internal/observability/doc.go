// Package observability provides structured logging for the shield.
package observability
