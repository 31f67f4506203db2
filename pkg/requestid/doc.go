// Package requestid correlates admin API requests with their log records.
//
// Middleware attaches an id to every request, reusing a valid X-Request-ID
// header (letters, digits, dash and underscore, at most 128 characters) or
// generating a UUID. The id is echoed in the response and can be read back
// with FromContext; LoggerExtractor plugs it into pkg/logger.
//
//	log := logger.New(logger.WithContextExtractors(requestid.LoggerExtractor()))
//	r.Use(requestid.Middleware)
package requestid
