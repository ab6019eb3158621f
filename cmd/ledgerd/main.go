// Command ledgerd is the reference daemon for the ledger core (spec §6):
// it wires pkg/integration.System over a real Event Store and exposes the
// reference POST /intent and GET /health bindings. The core itself is
// storage- and transport-agnostic; this binary is the thin outer shell,
// grounded on cmd/helm/main.go's Run(args, stdout, stderr) int dispatcher
// and runServer's Lite-Mode-vs-Postgres branching.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/api"
	"github.com/danvoulez/ledger/pkg/auth"
	"github.com/danvoulez/ledger/pkg/config"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/identity"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/integration"
	"github.com/danvoulez/ledger/pkg/ledgererr"
	"github.com/danvoulez/ledger/pkg/observability"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

var startServer = runServer

// Run is the entrypoint for testing, mirroring cmd/helm's dispatcher shape.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "ledgerd - universal append-only business ledger daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  ledgerd [server|serve]   Start the ledger daemon (default)")
	fmt.Fprintln(w, "  ledgerd health           Check a running daemon's /health endpoint")
	fmt.Fprintln(w, "  ledgerd help             Show this message")
}

// openStore opens the configured Event Store: cfg.DatabaseURL selects
// Postgres, cfg.SQLitePath selects SQLite, and absent both the daemon
// falls back to an in-memory store for zero-config local development —
// mirroring cmd/helm/main.go's Lite-Mode-vs-Postgres branch.
func openStore(ctx context.Context, cfg *config.Config) (eventstore.Store, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("ledgerd: connect postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ledgerd: ping postgres: %w", err)
		}
		store, err := eventstore.NewPostgresStore(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("ledgerd: init postgres store: %w", err)
		}
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("ledgerd: postgres schema: %w", err)
		}
		log.Println("[ledgerd] postgres: connected")
		return store, nil
	}

	if cfg.SQLitePath != "" {
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("ledgerd: open sqlite %s: %w", cfg.SQLitePath, err)
		}
		store, err := eventstore.NewSQLiteStore(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("ledgerd: init sqlite store: %w", err)
		}
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("ledgerd: sqlite schema: %w", err)
		}
		log.Printf("[ledgerd] sqlite: %s", cfg.SQLitePath)
		return store, nil
	}

	log.Println("[ledgerd] no DATABASE_URL or LEDGER_SQLITE_PATH set, falling back to in-memory store")
	return eventstore.NewInMemoryStore(), nil
}

func runServer() {
	ctx := context.Background()
	logger := slog.Default()
	cfg := config.Load()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[ledgerd] %v", err)
	}

	sys := integration.NewSystem(store, integration.Options{})
	if err := sys.Start(ctx); err != nil {
		log.Fatalf("[ledgerd] start projections: %v", err)
	}
	logger.Info("integration system ready")

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTELEnabled
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("[ledgerd] init observability: %v", err)
	}
	defer obs.Shutdown(context.Background())

	var validator *auth.JWTValidator
	if cfg.JWTRequired {
		ks, err := identity.NewInMemoryKeySet()
		if err != nil {
			log.Fatalf("[ledgerd] init identity keyset: %v", err)
		}
		validator = auth.NewJWTValidator(ks)
		logger.Info("bearer token authentication required for /intent")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/intent", intentHandler(sys, validator, obs))

	addr := ":" + cfg.IntentPort
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("[ledgerd] listening: %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ledgerd] server error: %v", err)
		}
	}()

	healthAddr := ":" + cfg.HealthPort
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", healthHandler(store))
	healthMux.HandleFunc("/observability/slo", sloHandler(obs))
	healthSrv := &http.Server{Addr: healthAddr, Handler: healthMux}
	go func() {
		log.Printf("[ledgerd] health server: %s", healthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ledgerd] health server error: %v", err)
		}
	}()

	log.Println("[ledgerd] ready")
	log.Println("[ledgerd] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[ledgerd] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
}

// intentBody is the wire shape of spec §6's POST /intent request.
type intentBody struct {
	Intent  string          `json:"intent"`
	Actor   actor.Reference `json:"actor"`
	Realm   ids.ID          `json:"realm"`
	Payload map[string]any  `json:"payload"`
}

type intentResponse struct {
	Success       bool                     `json:"success"`
	Outcome       map[string]any           `json:"outcome,omitempty"`
	Affordances   []integration.Affordance `json:"affordances,omitempty"`
	EmittedEvents []string                 `json:"emitted_events,omitempty"`
}

// intentHandler serves spec §6's POST /intent reference binding. When
// validator is non-nil, the caller's actor/realm are resolved from a
// bearer token (spec §6's "Identity/authentication provider" external
// interface) rather than trusted from the request body; validator is nil
// in the zero-config dev mode, where the body's actor is trusted as-is.
// obs, when non-nil, records a span and RED metrics for every dispatch.
func intentHandler(sys *integration.System, validator *auth.JWTValidator, obs *observability.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}

		var body intentBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			api.WriteBadRequest(w, fmt.Sprintf("malformed request body: %v", err))
			return
		}

		if validator != nil {
			tokenStr, ok := bearerToken(r)
			if !ok {
				api.WriteUnauthorized(w, "missing or malformed Authorization header")
				return
			}
			resolved, err := integration.ActorFromBearerToken(validator, tokenStr)
			if err != nil {
				api.WriteUnauthorized(w, err.Error())
				return
			}
			body.Actor = resolved.Actor
			body.Realm = resolved.RealmID
		}

		if err := body.Actor.Validate(); err != nil {
			api.WriteBadRequest(w, err.Error())
			return
		}

		ctx := r.Context()
		var finish func(error)
		if obs != nil {
			ctx, finish = obs.TrackOperation(ctx, "intent.dispatch",
				observability.AttrIntentName.String(body.Intent),
				observability.AttrRealmID.String(string(body.Realm)),
			)
		}

		result, err := sys.Intents.Dispatch(ctx, integration.IntentRequest{
			Intent:  body.Intent,
			Actor:   body.Actor,
			Realm:   body.Realm,
			Payload: body.Payload,
		})
		if finish != nil {
			finish(err)
		}
		if err != nil {
			writeIntentError(w, err)
			return
		}

		emitted := make([]string, len(result.EmittedEvents))
		for i, e := range result.EmittedEvents {
			emitted[i] = string(e.ID)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(intentResponse{
			Success:       result.Success,
			Outcome:       result.Outcome,
			Affordances:   result.Affordances,
			EmittedEvents: emitted,
		})
	}
}

// writeIntentError maps a ledgererr.LedgerError's closed code set (spec
// §7) onto the RFC 7807 responses cmd/helm's own routes already use.
func writeIntentError(w http.ResponseWriter, err error) {
	switch {
	case ledgererr.Is(err, ledgererr.CodeNotFound):
		api.WriteNotFound(w, err.Error())
	case ledgererr.Is(err, ledgererr.CodeUnauthorized):
		api.WriteForbidden(w, err.Error())
	case ledgererr.Is(err, ledgererr.CodeInvalidEvent),
		ledgererr.Is(err, ledgererr.CodeInvalidTransition),
		ledgererr.Is(err, ledgererr.CodeInvariantViolation),
		ledgererr.Is(err, ledgererr.CodeGuardsFailed):
		api.WriteBadRequest(w, err.Error())
	case ledgererr.Is(err, ledgererr.CodeConcurrencyConflict):
		api.WriteConflict(w, err.Error())
	case ledgererr.Is(err, ledgererr.CodeRateLimited):
		api.WriteTooManyRequests(w, 1)
	default:
		api.WriteInternal(w, err)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	prefix := "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

func healthHandler(store eventstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		seq, err := store.GetCurrentSequence(ctx)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":           "ok",
			"current_sequence": seq,
		})
	}
}

// sloHandler serves current SLO compliance for the ?operation= query
// param (default "intent.dispatch"), fed by TrackOperation's
// observations around the POST /intent dispatch path.
func sloHandler(obs *observability.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operation := r.URL.Query().Get("operation")
		if operation == "" {
			operation = "intent.dispatch"
		}
		status, err := obs.SLOStatus(operation)
		if err != nil {
			api.WriteNotFound(w, fmt.Sprintf("no SLO tracked for operation %q", operation))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}
}

func runHealthCmd(out, errOut io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.HealthPort + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check returned status %d\n", resp.StatusCode)
		return 1
	}
	io.Copy(out, resp.Body)
	fmt.Fprintln(out)
	return 0
}
