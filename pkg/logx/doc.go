// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger tagged with a "comp" field. The Service owns
// the sink configuration (console, file) and can re-apply it at runtime;
// Loggers created from a Service pick up the new sinks immediately.
package logx
