// Package logging wraps zap for tierd.
//
// Loggers carry request correlation from the context (trace, request id,
// requesting user and department) and redact secrets and classified text
// at the encoder. Errors are never sampled.
//
//	logger, err := logging.NewLogger(logging.FromObservability(cfg.Observability), otelProvider)
//	ctx = logging.WithRequester(ctx, logging.Requester{UserID: "rita", DepartmentID: "eng"})
//	logger.Info(ctx, "query answered", logging.Classified("answer", text, level))
package logging
