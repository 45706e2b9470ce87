package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/encoding"
	"github.com/Dream-Voyage/v402-sub000/registry"
)

// HeaderPaymentResponse carries the base64-encoded settlement result so
// payment-aware clients can read the outcome without parsing the body.
const HeaderPaymentResponse = "X-Payment-Response"

// facilitatorRequest is the shared body of /verify and /settle.
type facilitatorRequest struct {
	V402Version        int                     `json:"v402Version"`
	PaymentPayload     v402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirement v402.PaymentRequirement `json:"paymentRequirements"`
}

// supportedKind describes one (version, scheme, network) combination the
// facilitator can settle.
type supportedKind struct {
	V402Version int         `json:"v402Version"`
	Scheme      v402.Scheme `json:"scheme"`
	Network     string      `json:"network"`
}

type supportedResponse struct {
	Kinds []supportedKind `json:"kinds"`
}

// paymentStatusResponse is the read view of a payment record.
type paymentStatusResponse struct {
	PaymentID     string      `json:"paymentId"`
	Status        string      `json:"status"`
	Network       string      `json:"network"`
	Payer         string      `json:"payer,omitempty"`
	PayTo         string      `json:"payTo,omitempty"`
	Asset         string      `json:"asset,omitempty"`
	Amount        string      `json:"amount,omitempty"`
	Transaction   string      `json:"transaction,omitempty"`
	Confirmations uint64      `json:"confirmations,omitempty"`
	ErrorReason   v402.Reason `json:"errorReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeFacilitatorRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.facilitator.Verify(r.Context(), body.PaymentPayload, body.PaymentRequirement)
	if err != nil {
		s.internalError(w, r, "verify", err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeFacilitatorRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.facilitator.Settle(r.Context(), body.PaymentPayload, body.PaymentRequirement)
	if err != nil {
		s.internalError(w, r, "settle", err)
		return
	}
	if encoded, err := encoding.EncodeSettlement(*resp); err == nil {
		w.Header().Set(HeaderPaymentResponse, encoded)
	} else {
		s.logger.ErrorContext(r.Context(), "encode settlement header", "error", err)
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// feeResponse is the body of a fee estimation request.
type feeResponse struct {
	Network  string `json:"network"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (s *Server) handleEstimateFee(w http.ResponseWriter, r *http.Request) {
	var req v402.PaymentRequirement
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	adapter, err := s.chains.For(req.Network)
	if err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "unsupported network"})
		return
	}
	estimate, err := adapter.EstimateFee(r.Context(), req)
	if err != nil {
		if errors.Is(err, v402.ErrChainUnavailable) {
			s.writeJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: "chain unavailable"})
			return
		}
		s.internalError(w, r, "estimate fee", err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, feeResponse{
		Network:  estimate.Network,
		Currency: estimate.Currency,
		Amount:   estimate.Amount.String(),
	})
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	schemes := []v402.Scheme{v402.SchemeExact, v402.SchemeUpTo, v402.SchemeDynamic}

	var kinds []supportedKind
	for _, network := range s.chains.Networks() {
		for _, scheme := range schemes {
			kinds = append(kinds, supportedKind{
				V402Version: v402.ProtocolVersion,
				Scheme:      scheme,
				Network:     network,
			})
		}
	}
	s.writeJSON(w, r, http.StatusOK, supportedResponse{Kinds: kinds})
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.facilitator.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, v402.ErrRecordNotFound) {
			s.writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "payment not found"})
			return
		}
		s.internalError(w, r, "payment status", err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, paymentStatusResponse{
		PaymentID:     rec.ID,
		Status:        string(rec.Status),
		Network:       rec.Network,
		Payer:         rec.Payer,
		PayTo:         rec.PayTo,
		Asset:         rec.Asset,
		Amount:        rec.Amount,
		Transaction:   rec.TransactionRef,
		Confirmations: rec.Confirmations,
		ErrorReason:   rec.FailureReason,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	})
}

func (s *Server) handleDeclareRequirement(w http.ResponseWriter, r *http.Request) {
	var req v402.PaymentRequirement
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	if err := s.requirements.Declare(req); err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyDeclared):
			s.writeJSON(w, r, http.StatusConflict, errorResponse{Error: err.Error()})
		default:
			s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return
	}
	s.writeJSON(w, r, http.StatusCreated, req)
}

func (s *Server) handleListRequirements(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	network := r.URL.Query().Get("network")

	var out []v402.PaymentRequirement
	if resource == "" {
		out = s.requirements.All()
	} else {
		out = s.requirements.Lookup(resource, network)
	}
	if out == nil {
		out = []v402.PaymentRequirement{}
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

// decodeFacilitatorRequest parses and version-checks a /verify or /settle
// body. On failure it writes the error response and returns ok=false.
func (s *Server) decodeFacilitatorRequest(w http.ResponseWriter, r *http.Request) (facilitatorRequest, bool) {
	var body facilitatorRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return body, false
	}
	if body.V402Version != v402.ProtocolVersion {
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "unsupported protocol version"})
		return body, false
	}
	return body, true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Header already written, so the error can only be logged.
		s.logger.ErrorContext(r.Context(), "write response", "error", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.ErrorContext(r.Context(), op, "error", err)
	s.writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}
