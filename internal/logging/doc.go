// Package logging provides file-based structured logging with rotation for
// the folderd daemon. Logs are written as JSON lines to the daemon state
// directory so that `folderd logs` can tail and filter them while the daemon
// runs in the background.
//
// The log level comes from configuration and may be overridden with the
// DAEMON_LOG_LEVEL environment variable.
package logging
