// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteBadRequest(w, "seconds must be a number")
//	httputil.WriteQuotaExceeded(w, exceeded) // 402 with remaining/required minutes
//
// # Request Parsing
//
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	seconds, err := httputil.ParseQueryFloat(r, "seconds", 0)
//	body, err := httputil.ReadBody(r, 1<<20)
//
// # Signatures
//
// VerifyHexHMAC checks the hex HMAC-SHA256 signatures sent by the messaging
// gateway and the transcription provider.
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(32<<20),
//	)(router)
package httputil
