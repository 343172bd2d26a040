package httpapi

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"fundbridge/agreement"
	"fundbridge/blob"
	"fundbridge/disbursement"
	"fundbridge/logger"
	"fundbridge/party"
	"fundbridge/txledger"
)

type signatureResponse struct {
	Evidence string `json:"evidence"`
	SignedAt string `json:"signed_at"`
}

type milestoneResponse struct {
	Seq         int      `json:"seq"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
	RecordedAt  string   `json:"recorded_at"`
}

type agreementResponse struct {
	ID                   string              `json:"id"`
	Reference            string              `json:"reference"`
	SponsorID            string              `json:"sponsor_id"`
	BeneficiaryID        string              `json:"beneficiary_id"`
	Amount               string              `json:"amount"`
	DocumentLocator      string              `json:"document_locator"`
	Status               string              `json:"status"`
	SponsorSignature     *signatureResponse  `json:"sponsor_signature,omitempty"`
	BeneficiarySignature *signatureResponse  `json:"beneficiary_signature,omitempty"`
	Milestones           []milestoneResponse `json:"milestones"`
	SettledAt            *string             `json:"settled_at,omitempty"`
	SettlementRef        string              `json:"settlement_ref,omitempty"`
	Version              int64               `json:"version"`
	CreatedAt            string              `json:"created_at"`
	UpdatedAt            string              `json:"updated_at"`
}

type transactionResponse struct {
	TxHash      string `json:"tx_hash"`
	AgreementID string `json:"agreement_id"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"`
	BlockNumber uint64 `json:"block_number"`
	CreatedAt   string `json:"created_at"`
}

type partyResponse struct {
	ID                string `json:"id"`
	Role              string `json:"role"`
	DisplayName       string `json:"display_name"`
	SettlementAddress string `json:"settlement_address,omitempty"`
}

func toSignature(s *agreement.Signature) *signatureResponse {
	if s == nil {
		return nil
	}
	return &signatureResponse{Evidence: s.Evidence, SignedAt: s.SignedAt.UTC().Format(time.RFC3339)}
}

func toMilestone(m agreement.Milestone) milestoneResponse {
	evidence := m.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return milestoneResponse{Seq: m.Seq, Description: m.Description, Evidence: evidence, RecordedAt: m.RecordedAt.UTC().Format(time.RFC3339)}
}

func toAgreement(a agreement.Agreement) agreementResponse {
	resp := agreementResponse{
		ID:                   a.ID,
		Reference:            a.Reference,
		SponsorID:            a.SponsorID,
		BeneficiaryID:        a.BeneficiaryID,
		Amount:               a.Amount.String(),
		DocumentLocator:      a.DocumentLocator,
		Status:               string(a.Status),
		SponsorSignature:     toSignature(a.SponsorSignature),
		BeneficiarySignature: toSignature(a.BeneficiarySignature),
		Milestones:           make([]milestoneResponse, 0, len(a.Milestones)),
		SettlementRef:        a.SettlementRef,
		Version:              a.Version,
		CreatedAt:            a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, m := range a.Milestones {
		resp.Milestones = append(resp.Milestones, toMilestone(m))
	}
	if a.SettledAt != nil {
		at := a.SettledAt.UTC().Format(time.RFC3339)
		resp.SettledAt = &at
	}
	return resp
}

func toTransactions(recs []txledger.Record) []transactionResponse {
	out := make([]transactionResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, transactionResponse{
			TxHash:      r.TxHash,
			AgreementID: r.AgreementID,
			FromAddress: r.FromAddress,
			ToAddress:   r.ToAddress,
			Amount:      r.Amount.String(),
			BlockNumber: r.BlockNumber,
			CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func toParty(p party.Party) partyResponse {
	return partyResponse{ID: p.ID, Role: string(p.Role), DisplayName: p.DisplayName, SettlementAddress: p.SettlementAddress}
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// parseUpload reads a multipart body bounded by the upload limit.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) error {
	if s.blobs == nil {
		return fmt.Errorf("%w: file uploads are not enabled; pass locators as JSON", agreement.ErrInvalidInput)
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: upload exceeds %d bytes", blob.ErrTooLarge, s.maxUpload)
		}
		return fmt.Errorf("%w: %v", agreement.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) storeFile(r *http.Request, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open upload: %v", agreement.ErrInvalidInput, err)
	}
	defer f.Close()
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	obj, err := s.blobs.Put(r.Context(), f, contentType)
	if err != nil {
		return "", err
	}
	return obj.Locator, nil
}

// formFiles stores every file under field and returns their locators.
func (s *Server) formFiles(r *http.Request, field string) ([]string, error) {
	var out []string
	for _, fh := range r.MultipartForm.File[field] {
		loc, err := s.storeFile(r, fh)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: amount %q is not a decimal", agreement.ErrInvalidInput, s)
	}
	return d, nil
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var (
		params agreement.CreateParams
		err    error
	)
	if isMultipart(r) {
		if err := s.parseUpload(w, r); err != nil {
			fail(w, r, err)
			return
		}
		params.BeneficiaryID = r.FormValue("beneficiary_id")
		if params.Amount, err = parseAmount(r.FormValue("amount")); err != nil {
			fail(w, r, err)
			return
		}
		files, err := s.formFiles(r, "document")
		if err != nil {
			fail(w, r, err)
			return
		}
		if len(files) != 1 {
			fail(w, r, fmt.Errorf("%w: exactly one document file required", agreement.ErrInvalidInput))
			return
		}
		params.DocumentLocator = files[0]
	} else {
		var req struct {
			BeneficiaryID   string `json:"beneficiary_id"`
			Amount          string `json:"amount"`
			DocumentLocator string `json:"document_locator"`
		}
		if err := readJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		params.BeneficiaryID = req.BeneficiaryID
		params.DocumentLocator = req.DocumentLocator
		if params.Amount, err = parseAmount(req.Amount); err != nil {
			fail(w, r, err)
			return
		}
	}

	a, err := s.agreements.Create(r.Context(), callerFrom(r.Context()), params)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreement(a))
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := agreement.ListFilter{Status: agreement.Status(q.Get("status"))}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "page must be an integer", nil)
			return
		}
		f.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "page_size must be an integer", nil)
			return
		}
		f.PageSize = n
	}

	page, err := s.agreements.List(r.Context(), callerFrom(r.Context()), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	items := make([]agreementResponse, 0, len(page.Items))
	for _, a := range page.Items {
		items = append(items, toAgreement(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"total":     page.Total,
		"page":      page.Page,
		"page_size": page.PageSize,
	})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreements.Get(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreement(a))
}

func (s *Server) handleRecordSignature(w http.ResponseWriter, r *http.Request) {
	var role, evidence string
	if isMultipart(r) {
		if err := s.parseUpload(w, r); err != nil {
			fail(w, r, err)
			return
		}
		role = r.FormValue("role")
		files, err := s.formFiles(r, "evidence")
		if err != nil {
			fail(w, r, err)
			return
		}
		if len(files) != 1 {
			fail(w, r, fmt.Errorf("%w: exactly one evidence file required", agreement.ErrInvalidInput))
			return
		}
		evidence = files[0]
	} else {
		var req struct {
			Role     string `json:"role"`
			Evidence string `json:"evidence"`
		}
		if err := readJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		role, evidence = req.Role, req.Evidence
	}

	a, err := s.agreements.RecordSignature(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), party.Role(role), evidence)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreement(a))
}

func (s *Server) handleRecordMilestone(w http.ResponseWriter, r *http.Request) {
	var (
		description string
		evidence    []string
	)
	if isMultipart(r) {
		if err := s.parseUpload(w, r); err != nil {
			fail(w, r, err)
			return
		}
		description = r.FormValue("description")
		files, err := s.formFiles(r, "evidence")
		if err != nil {
			fail(w, r, err)
			return
		}
		evidence = files
	} else {
		var req struct {
			Description string   `json:"description"`
			Evidence    []string `json:"evidence"`
		}
		if err := readJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		description, evidence = req.Description, req.Evidence
	}

	m, err := s.agreements.RecordMilestone(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), description, evidence)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMilestone(m))
}

func (s *Server) handleMarkComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string `json:"reference"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
	}
	a, err := s.agreements.MarkComplete(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.Reference)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreement(a))
}

func (s *Server) handleDisburse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrivateKey string `json:"private_key"`
	}
	if err := readJSON(r, &req); err != nil {
		// the decoder error may echo the body, which holds key material
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "malformed request body", nil)
		return
	}

	res, err := s.disbursements.Disburse(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.PrivateKey)
	req.PrivateKey = ""
	if err != nil {
		if errors.Is(err, disbursement.ErrIndeterminate) {
			writeError(w, r, http.StatusGatewayTimeout, "INDETERMINATE", err.Error(), map[string]any{
				"attempt_id": res.AttemptID,
				"tx_hash":    res.TxHash,
			})
			return
		}
		fail(w, r, err)
		return
	}

	body := map[string]any{
		"attempt_id":   res.AttemptID,
		"tx_hash":      res.TxHash,
		"block_number": res.BlockNumber,
		"settled":      res.Settled,
	}
	if res.Settled {
		body["outcome"] = res.Completion.String()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
	}
	caller := callerFrom(r.Context())
	res, err := s.disbursements.Reconcile(r.Context(), caller, chi.URLParam(r, "id"), req.Force)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.WithContext(r.Context()).Info().
		Str("attempt_id", res.AttemptID).
		Str("state", string(res.State)).
		Bool("force", req.Force).
		Msg("reconcile requested")

	body := map[string]any{
		"attempt_id": res.AttemptID,
		"tx_hash":    res.TxHash,
		"state":      string(res.State),
	}
	if res.State == txledger.AttemptSettled {
		body["outcome"] = res.Completion.String()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAgreementTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.agreements.Get(r.Context(), callerFrom(r.Context()), id); err != nil {
		fail(w, r, err)
		return
	}
	recs, err := s.history.ListByAgreement(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toTransactions(recs)})
}

// handleMyTransactions lists transfers received by a beneficiary or sent by
// a sponsor through its settlement address.
func (s *Server) handleMyTransactions(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	var dir txledger.Direction
	switch caller.Role {
	case party.RoleBeneficiary:
		dir = txledger.Incoming
	case party.RoleSponsor:
		dir = txledger.Outgoing
	default:
		fail(w, r, fmt.Errorf("%w: only sponsors and beneficiaries have transfer history", agreement.ErrForbidden))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	p, err := s.parties.Get(r.Context(), caller.PartyID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if !p.HasSettlementAddress() {
		writeJSON(w, http.StatusOK, map[string]any{"items": []transactionResponse{}})
		return
	}
	recs, err := s.history.ListByAddress(r.Context(), p.SettlementAddress, dir, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toTransactions(recs)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := s.parties.Get(r.Context(), callerFrom(r.Context()).PartyID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParty(p))
}

func (s *Server) handleSetSettlementAddress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
		return
	}
	p, err := s.parties.SetSettlementAddress(r.Context(), callerFrom(r.Context()).PartyID, req.Address)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParty(p))
}

func (s *Server) handleBlobURL(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "blob store not configured", nil)
		return
	}
	url, err := s.blobs.URL(r.Context(), "sha256/"+chi.URLParam(r, "digest"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}
