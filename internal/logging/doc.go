// Package logging wraps zap for the ragd daemon.
//
// Logger methods take a context and add correlation fields from it: the
// OpenTelemetry trace and span IDs, the request ID set by the HTTP layer, and
// the tenant resolved by authentication. Components that have no request
// context take the plain *zap.Logger from Underlying.
//
// Output goes to stdout or stderr (stderr when stdout carries a protocol, as
// in MCP stdio mode) and optionally to an OpenTelemetry log provider through
// the otelzap bridge. String fields whose key or value looks like a
// credential are redacted by the encoder. Errors are never sampled.
//
//	logger, err := logging.New(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//	logger.Info(ctx, "document added", zap.String("document_id", id))
package logging
