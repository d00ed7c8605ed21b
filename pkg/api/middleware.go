// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/gafaelfawr/pkg/logger"
)

type contextKey int

const (
	loggerKey contextKey = iota
	clientIPKey
)

// requestLogger binds a request-scoped logger and the resolved client IP
// onto the context. Handlers retrieve both and add event fields.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)
		log := logger.Get().With(
			"requestMethod", r.Method,
			"requestUrl", r.URL.String(),
			"remoteIp", ip,
			"requestId", middleware.GetReqID(r.Context()),
		)
		ctx := context.WithValue(r.Context(), loggerKey, log)
		ctx = context.WithValue(ctx, clientIPKey, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger returns the request-scoped logger.
func Logger(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return log
	}
	return logger.Get()
}

// ClientIP returns the client address resolved by the middleware.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// clientIP resolves the client address: the left-most X-Forwarded-For entry
// not belonging to a configured proxy, falling back to the socket peer.
func (s *Server) clientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	for _, entry := range strings.Split(forwarded, ",") {
		candidate := strings.TrimSpace(entry)
		if candidate == "" {
			continue
		}
		ip := net.ParseIP(candidate)
		if ip == nil {
			continue
		}
		if !s.isProxy(ip) {
			return candidate
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) isProxy(ip net.IP) bool {
	for _, block := range s.proxies {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
