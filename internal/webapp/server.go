package webapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/opsdesk/opsbot/internal/logging"
	"github.com/rs/zerolog/log"
)

// ReportPath is where the web app posts its report.
const ReportPath = "/pbx/report"

const maxReportBytes = 4 << 10

var shutdownTimeout = 5 * time.Second

// Report is the body the web app posts.
type Report struct {
	Token string `json:"token"`
	IP    string `json:"ip,omitempty"`
	Error string `json:"error,omitempty"`
}

// Submission is a verified report, addressed to the conversation the token
// was issued for.
type Submission struct {
	ChatID int64
	UserID int64
	IP     string
	// Failed is set when the web app reported an error, sent no address,
	// or the token had expired.
	Failed bool
}

// DeliverFunc receives verified submissions.
type DeliverFunc func(ctx context.Context, sub Submission)

// Handler accepts reports on ReportPath and passes verified ones to
// deliver. Unsigned, forged or replayed tokens are refused without a
// delivery.
func (s *Service) Handler(deliver DeliverFunc) http.Handler {
	origin := s.base.Scheme + "://" + s.base.Host
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The web app is served from its own origin and posts back here.
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", http.MethodPost)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, _ := logging.WithRequestID(context.WithoutCancel(r.Context()), r.Header.Get("X-Request-ID"))
		logger := logging.FromContext(ctx)

		var report Report
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes)).Decode(&report); err != nil {
			logger.Debug().Err(err).Msg("Malformed web app report")
			http.Error(w, "malformed report", http.StatusBadRequest)
			return
		}

		claims, err := s.Redeem(report.Token)
		expired := errors.Is(err, ErrExpired)
		if err != nil && !expired {
			logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Web app report refused")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		sub := Submission{
			ChatID: claims.ChatID,
			UserID: claims.UserID,
			IP:     strings.TrimSpace(report.IP),
		}
		sub.Failed = expired || report.Error != "" || sub.IP == ""
		logger.Info().
			Int64("chat_id", sub.ChatID).
			Int64("user_id", sub.UserID).
			Bool("failed", sub.Failed).
			Str("reported_error", report.Error).
			Msg("Web app report accepted")
		deliver(logging.WithChat(ctx, sub.ChatID, sub.UserID), sub)

		if expired {
			http.Error(w, "token expired", http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// Serve listens on addr until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, addr string, deliver DeliverFunc) error {
	mux := http.NewServeMux()
	mux.Handle(ReportPath, s.Handler(deliver))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down web app listener cleanly")
		}
	}()

	log.Info().Str("addr", addr).Str("path", ReportPath).Msg("Web app report endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
