package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"workledger/native/dispute"
	"workledger/native/escrow"
)

type disputeAssignParams struct {
	ProjectID string `json:"projectId"`
	Milestone uint64 `json:"milestone"`
}

type disputeResolveParams struct {
	ProjectID     string `json:"projectId"`
	Milestone     uint64 `json:"milestone"`
	Caller        string `json:"caller"`
	Outcome       string `json:"outcome"`
	FreelancerBps uint32 `json:"freelancerBps,omitempty"`
	Rationale     string `json:"rationale,omitempty"`
}

type validatorParams struct {
	Validator string `json:"validator"`
}

func parseOutcome(value string) (dispute.Outcome, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "approve_and_pay", "approve":
		return dispute.OutcomeApproveAndPay, nil
	case "reject_and_refund", "reject":
		return dispute.OutcomeRejectAndRefund, nil
	case "split":
		return dispute.OutcomeSplit, nil
	default:
		return dispute.OutcomeUnspecified, fmt.Errorf("unknown outcome %q", value)
	}
}

func writeDisputeError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotAssignedValidator):
		writeError(w, http.StatusForbidden, id, codeDisputeForbidden, "forbidden", err.Error())
	case errors.Is(err, dispute.ErrNoValidatorAssigned), errors.Is(err, dispute.ErrEmptyValidatorPool):
		writeError(w, http.StatusConflict, id, codeDisputeForbidden, "invalid_state", err.Error())
	case errors.Is(err, dispute.ErrInvalidOutcome), errors.Is(err, dispute.ErrValidatorNotRegistered):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, escrow.ErrProjectNotFound), errors.Is(err, escrow.ErrMilestoneNotFound),
		errors.Is(err, escrow.ErrMilestoneNotDisputed), errors.Is(err, escrow.ErrInvalidSplit):
		writeEscrowError(w, id, err)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal_error", err.Error())
	}
}

func (s *Server) handleDisputeAssign(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params disputeAssignParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	projectID, err := parseID32(params.ProjectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	validator, err := s.node.AssignValidator(projectID, params.Milestone)
	if err != nil {
		writeDisputeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"validator": formatAddress(validator)})
}

func (s *Server) handleDisputeResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params disputeResolveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	projectID, err := parseID32(params.ProjectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	outcome, err := parseOutcome(params.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	res := dispute.Resolution{
		Outcome:       outcome,
		FreelancerBps: params.FreelancerBps,
		Rationale:     strings.TrimSpace(params.Rationale),
	}
	if err := s.node.ResolveDispute(projectID, params.Milestone, caller, res); err != nil {
		writeDisputeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "resolved"})
}

func (s *Server) handleDisputeRegisterValidator(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params validatorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	validator, err := parseBech32Address(params.Validator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.RegisterValidator(validator); err != nil {
		writeDisputeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "registered"})
}

func (s *Server) handleDisputeRemoveValidator(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params validatorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	validator, err := parseBech32Address(params.Validator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.RemoveValidator(validator); err != nil {
		writeDisputeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "removed"})
}

func (s *Server) handleDisputeListValidators(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	members := s.node.Validators()
	out := make([]string, len(members))
	for i, member := range members {
		out[i] = formatAddress(member)
	}
	writeResult(w, req.ID, out)
}
