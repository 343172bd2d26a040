package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"fundbridge/agreement"
	"fundbridge/blob"
	"fundbridge/disbursement"
	"fundbridge/party"
	"fundbridge/txledger"
)

// AgreementService is the lifecycle surface exposed over HTTP.
type AgreementService interface {
	Create(ctx context.Context, caller party.Caller, params agreement.CreateParams) (agreement.Agreement, error)
	RecordSignature(ctx context.Context, caller party.Caller, id string, role party.Role, evidence string) (agreement.Agreement, error)
	RecordMilestone(ctx context.Context, caller party.Caller, id, description string, evidence []string) (agreement.Milestone, error)
	MarkComplete(ctx context.Context, caller party.Caller, id, reference string) (agreement.Agreement, error)
	Get(ctx context.Context, caller party.Caller, id string) (agreement.Agreement, error)
	List(ctx context.Context, caller party.Caller, f agreement.ListFilter) (agreement.Page, error)
}

type Disburser interface {
	Disburse(ctx context.Context, caller party.Caller, agreementID, keyMaterial string) (disbursement.Result, error)
	Reconcile(ctx context.Context, caller party.Caller, agreementID string, force bool) (disbursement.ReconcileResult, error)
}

type PartyService interface {
	Get(ctx context.Context, id string) (party.Party, error)
	SetSettlementAddress(ctx context.Context, id, address string) (party.Party, error)
}

// History reads recorded transfers.
type History interface {
	ListByAgreement(ctx context.Context, agreementID string) ([]txledger.Record, error)
	ListByAddress(ctx context.Context, address string, dir txledger.Direction, limit int) ([]txledger.Record, error)
}

// Deps wires the server. Blobs may be nil, in which case multipart
// uploads are refused and locators must be passed in JSON.
type Deps struct {
	Agreements     AgreementService
	Disbursements  Disburser
	Parties        PartyService
	History        History
	Blobs          blob.Store
	Sessions       Verifier
	Log            zerolog.Logger
	CORSOrigins    []string
	MaxUploadBytes int64
	// Metrics serves /metrics; nil uses the default Prometheus registry.
	Metrics http.Handler
}

type Server struct {
	agreements    AgreementService
	disbursements Disburser
	parties       PartyService
	history       History
	blobs         blob.Store
	sessions      Verifier
	log           zerolog.Logger
	corsOrigins   []string
	maxUpload     int64
	metrics       http.Handler
}

func New(d Deps) *Server {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 10 << 20
	}
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	return &Server{
		agreements:    d.Agreements,
		disbursements: d.Disbursements,
		parties:       d.Parties,
		history:       d.History,
		blobs:         d.Blobs,
		sessions:      d.Sessions,
		log:           d.Log,
		corsOrigins:   d.CORSOrigins,
		maxUpload:     d.MaxUploadBytes,
		metrics:       d.Metrics,
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recovery(s.log))
	r.Use(requestLogger(s.log))
	if len(s.corsOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
		}).Handler)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/api", func(api chi.Router) {
		api.Use(authenticate(s.sessions))

		api.Route("/agreements", func(ag chi.Router) {
			ag.Post("/", s.handleCreateAgreement)
			ag.Get("/", s.handleListAgreements)
			ag.Route("/{id}", func(one chi.Router) {
				one.Get("/", s.handleGetAgreement)
				one.Post("/signatures", s.handleRecordSignature)
				one.Post("/milestones", s.handleRecordMilestone)
				one.Post("/complete", s.handleMarkComplete)
				one.Post("/disburse", s.handleDisburse)
				one.Post("/reconcile", s.handleReconcile)
				one.Get("/transactions", s.handleAgreementTransactions)
			})
		})
		api.Get("/transactions/me", s.handleMyTransactions)
		api.Get("/parties/me", s.handleMe)
		api.Put("/parties/me/settlement-address", s.handleSetSettlementAddress)
		api.Get("/blobs/sha256/{digest}", s.handleBlobURL)
	})
	return r
}
