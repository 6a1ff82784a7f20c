// Command tickets-api serves the unified external-ticket list for the
// dashboard: one endpoint that fans out to every configured tracker and
// returns merged pages with an opaque continuation token.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/deskhive/external-tickets/internal/config"
	"github.com/deskhive/external-tickets/pkg/aggregator"
	"github.com/deskhive/external-tickets/pkg/httpx"
	"github.com/deskhive/external-tickets/pkg/logging"
	"github.com/deskhive/external-tickets/pkg/overlay"
	"github.com/deskhive/external-tickets/pkg/provider"
	"github.com/deskhive/external-tickets/pkg/provider/github"
	"github.com/deskhive/external-tickets/pkg/provider/gitlab"
	"github.com/deskhive/external-tickets/pkg/provider/jira"
	"github.com/deskhive/external-tickets/pkg/provider/wiki"
)

func main() {
	cfg, err := config.Load(os.Getenv("TICKETS_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	// Redis is optional; without it the client runs uncached and ungated.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	}

	store, err := overlay.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("Failed to open overlay store")
	}
	defer store.Close()

	client, err := httpx.New(httpx.DefaultConfig(redisClient, cfg.UserAgent))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create tracker client")
	}

	sources, err := buildSources(cfg, client)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure providers")
	}

	agg, err := aggregator.New(store, aggregator.Config{})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create aggregator")
	}

	srv := &server{
		cfg:     cfg,
		agg:     agg,
		sources: sources,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/tickets", srv.handleListTickets)
	mux.HandleFunc("/tickets/", srv.handleGetTicket)

	logger.Info().
		Str("addr", cfg.ListenAddr).
		Int("providers", len(sources)).
		Msg("Starting tickets API")

	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// buildSources instantiates one adapter per configured provider, preserving
// configuration order. That order is what the slot allocator uses to hand
// out remainders, so it must be stable.
func buildSources(cfg *config.Config, client *httpx.Client) ([]provider.Source, error) {
	defaults := provider.StandardDefaults()

	sources := make([]provider.Source, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		var (
			src provider.Source
			err error
		)

		switch p.Kind {
		case "jira":
			src, err = jira.New(jira.Config{
				Handle:   provider.Handle{ID: p.ID, Kind: provider.KindJira},
				BaseURL:  p.BaseURL,
				Email:    p.Email,
				APIToken: p.APIToken,
				JQL:      p.JQL,
				Defaults: defaults,
			}, client)
		case "github":
			src, err = github.New(github.Config{
				Handle:   provider.Handle{ID: p.ID, Kind: provider.KindGitHub},
				BaseURL:  p.BaseURL,
				Owner:    p.Owner,
				Repo:     p.Repo,
				Token:    p.Token,
				State:    p.State,
				Defaults: defaults,
			}, client)
		case "gitlab":
			src, err = gitlab.New(gitlab.Config{
				Handle:    provider.Handle{ID: p.ID, Kind: provider.KindGitLab},
				BaseURL:   p.BaseURL,
				ProjectID: p.ProjectID,
				Token:     p.Token,
				State:     p.State,
				Defaults:  defaults,
			}, client)
		case "wiki":
			src, err = wiki.New(wiki.Config{
				Handle:   provider.Handle{ID: p.ID, Kind: provider.KindWiki},
				BaseURL:  p.BaseURL,
				Email:    p.Email,
				APIToken: p.APIToken,
				CQL:      p.CQL,
				Defaults: defaults,
			}, client)
		default:
			err = fmt.Errorf("unknown provider kind %q", p.Kind)
		}

		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		sources = append(sources, src)
	}

	return sources, nil
}

type server struct {
	cfg     *config.Config
	agg     *aggregator.Aggregator
	sources []provider.Source
	logger  zerolog.Logger
}

// listResponse is the wire shape of an aggregated page.
type listResponse struct {
	Tickets   []aggregator.MergedTicket `json:"tickets"`
	NextState string                    `json:"next_state,omitempty"`
	HasMore   bool                      `json:"has_more"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// handleListTickets serves GET /tickets?limit=&state=.
func (s *server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.DefaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}

	state, err := aggregator.ParseToken(r.URL.Query().Get("state"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid state token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	page, err := s.agg.FetchPage(ctx, s.sources, limit, state)
	if err != nil {
		switch {
		case errors.Is(err, aggregator.ErrNoProviders):
			httpError(w, http.StatusBadRequest, "no providers configured")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			httpError(w, http.StatusGatewayTimeout, "page request timed out")
		default:
			s.logger.Error().Err(err).Msg("Page aggregation failed")
			httpError(w, http.StatusBadGateway, "aggregation failed")
		}
		return
	}

	token, err := page.State.Token()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode state token")
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, listResponse{
		Tickets:   page.Tickets,
		NextState: token,
		HasMore:   page.HasMore,
	})
}

// handleGetTicket serves GET /tickets/{provider}/{id}.
func (s *server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/tickets/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		httpError(w, http.StatusBadRequest, "expected /tickets/{provider}/{id}")
		return
	}
	providerID, externalID := parts[0], parts[1]

	var src provider.Source
	for _, candidate := range s.sources {
		if candidate.Handle().ID == providerID {
			src = candidate
			break
		}
	}
	if src == nil {
		httpError(w, http.StatusNotFound, "unknown provider")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	ticket, err := s.agg.GetTicket(ctx, src, externalID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("provider", providerID).
			Str("external_id", externalID).
			Msg("Ticket lookup failed")
		httpError(w, http.StatusBadGateway, "ticket lookup failed")
		return
	}
	if ticket == nil {
		httpError(w, http.StatusNotFound, "ticket not found")
		return
	}

	writeJSON(w, ticket)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
