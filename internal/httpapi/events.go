package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 10 * time.Second

// handleEvents streams hub events over a WebSocket. Browsers cannot set
// headers on the upgrade request, so the token and correlation id may also
// come from the access_token and correlationId query parameters.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && query.Get("access_token") != "" {
		authHeader = "Bearer " + query.Get("access_token")
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = strings.TrimSpace(query.Get("correlationId"))
	}
	call, ok := s.authorize(w, authHeader, ScopeRead, correlationID)
	if !ok {
		return
	}
	types := parseTypeFilter(query.Get("types"))

	// Subscribe before the handshake completes so nothing published after the
	// client sees the upgrade is missed.
	sub := s.engine.Hub().Subscribe(s.cfg.SubscriberBuffer)
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
	if err != nil {
		s.logger.Debug("event stream upgrade failed", zap.String("actor", call.actor), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	logger := s.logger.With(zap.String("actor", call.actor), zap.String("correlation_id", call.correlationID))
	logger.Info("event stream opened")
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			logger.Info("event stream closed", zap.Uint64("dropped", sub.Dropped()))
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if len(types) > 0 {
				if _, want := types[ev.Type]; !want {
					continue
				}
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				logger.Info("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

// originPatterns turns the CORS origin list into host patterns for the
// WebSocket origin check. No configured origins allows any.
func (s *Server) originPatterns() []string {
	if len(s.cfg.CORSOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(s.cfg.CORSOrigins))
	for _, origin := range s.cfg.CORSOrigins {
		if origin == "*" {
			return []string{"*"}
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			patterns = append(patterns, parsed.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

func parseTypeFilter(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}
