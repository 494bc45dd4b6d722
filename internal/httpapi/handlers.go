package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"shopledger.org/internal/ledger"
	"shopledger.org/internal/obs"
	"shopledger.org/internal/stream"
)

const serviceName = "shopledger-api"

// errNotLoaded is reported until the first bulk load succeeds.
var errNotLoaded = errors.New("ledgers not loaded yet")

// ReadyProbe reports readiness: the backing database answers (when there is
// one) and the store holds a completed load.
type ReadyProbe struct {
	DB    *sql.DB
	Store *ledger.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Store == nil {
		return nil
	}
	loaded, err := rp.Store.Loaded(ctx)
	if err != nil {
		return err
	}
	if !loaded {
		return errNotLoaded
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer over the ledger store.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	store  *ledger.Store
	source ledger.Source
	stream *stream.Stream

	rateBurst  int
	ratePerSec int
}

// New wires the routes. src may be nil, in which case refresh is refused;
// st may be nil, which disables /v1/stream.
func New(rp readinessChecker, version string, store *ledger.Store, src ledger.Source, st *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		store:      store,
		source:     src,
		stream:     st,
		rateBurst:  100,
		ratePerSec: 50,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/ledgers", a.handleLedgersCollection)
	a.mux.HandleFunc("/v1/ledgers/", a.handleLedgerResource)
	a.mux.HandleFunc("/v1/notices/receipt-created", a.handleReceiptCreated)
	a.mux.HandleFunc("/v1/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// SetRateLimit overrides the per-client token bucket.
func (a *API) SetRateLimit(burst, perSecond int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSecond > 0 {
		a.ratePerSec = perSecond
	}
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
