package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"workledger/native/escrow"
)

type milestoneParam struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
}

type projectCreateParams struct {
	Client     string           `json:"client"`
	Freelancer string           `json:"freelancer"`
	Budget     string           `json:"budget"`
	Milestones []milestoneParam `json:"milestones"`
	Salt       string           `json:"salt,omitempty"`
}

type projectIDParams struct {
	ID string `json:"id"`
}

type projectActionParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type milestoneActionParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	Milestone uint64 `json:"milestone"`
}

type submitDeliverableParams struct {
	ID          string `json:"id"`
	Caller      string `json:"caller"`
	Milestone   uint64 `json:"milestone"`
	Deliverable string `json:"deliverable"`
}

type rejectMilestoneParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	Milestone uint64 `json:"milestone"`
	Feedback  string `json:"feedback,omitempty"`
}

type attachChannelParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	ChannelID string `json:"channelId"`
}

type milestoneJSON struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
	Status      string `json:"status"`
	Deliverable string `json:"deliverable,omitempty"`
	Validator   string `json:"validator,omitempty"`
	SubmittedAt int64  `json:"submittedAt,omitempty"`
	PaidAt      int64  `json:"paidAt,omitempty"`
	PaidAmount  string `json:"paidAmount,omitempty"`
	Attempts    uint32 `json:"attempts"`
	Feedback    string `json:"feedback,omitempty"`
}

type projectJSON struct {
	ID          string          `json:"id"`
	Client      string          `json:"client"`
	Freelancer  string          `json:"freelancer"`
	TotalBudget string          `json:"totalBudget"`
	PaidAmount  string          `json:"paidAmount"`
	Status      string          `json:"status"`
	Channel     string          `json:"channel,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
	Milestones  []milestoneJSON `json:"milestones"`
}

func formatProjectJSON(p *escrow.Project) projectJSON {
	out := projectJSON{
		ID:          formatID32(p.ID),
		Client:      formatAddress(p.Client),
		Freelancer:  formatAddress(p.Freelancer),
		TotalBudget: formatAmount(p.TotalBudget),
		PaidAmount:  formatAmount(p.PaidAmount),
		Status:      p.Status.String(),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		Milestones:  make([]milestoneJSON, len(p.Milestones)),
	}
	if p.HasChannel() {
		out.Channel = formatID32(p.Channel)
	}
	var zeroAddr [20]byte
	for i, ms := range p.Milestones {
		entry := milestoneJSON{
			Description: ms.Description,
			Amount:      formatAmount(ms.Amount),
			Deadline:    ms.Deadline,
			Status:      ms.Status.String(),
			Deliverable: ms.Deliverable,
			SubmittedAt: ms.SubmittedAt,
			PaidAt:      ms.PaidAt,
			Attempts:    ms.Attempts,
			Feedback:    ms.Feedback,
		}
		if ms.PaidAmount != nil && ms.PaidAmount.Sign() > 0 {
			entry.PaidAmount = formatAmount(ms.PaidAmount)
		}
		if ms.Validator != zeroAddr {
			entry.Validator = formatAddress(ms.Validator)
		}
		out.Milestones[i] = entry
	}
	return out
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrProjectNotFound), errors.Is(err, escrow.ErrMilestoneNotFound):
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "not_found", err.Error())
	case errors.Is(err, escrow.ErrNotClient), errors.Is(err, escrow.ErrNotFreelancer), errors.Is(err, escrow.ErrNotParty):
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "forbidden", err.Error())
	case errors.Is(err, escrow.ErrInvalidMilestoneState), errors.Is(err, escrow.ErrInvalidProjectState),
		errors.Is(err, escrow.ErrAlreadyPaid), errors.Is(err, escrow.ErrBudgetExceeded),
		errors.Is(err, escrow.ErrProjectNotFunded), errors.Is(err, escrow.ErrMilestoneNotDisputed):
		writeError(w, http.StatusConflict, id, codeEscrowInvalidState, "invalid_state", err.Error())
	case errors.Is(err, escrow.ErrEmptyMilestoneList), errors.Is(err, escrow.ErrInvalidBudgetPartition),
		errors.Is(err, escrow.ErrInvalidMilestone), errors.Is(err, escrow.ErrInvalidSplit):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_params", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal_error", err.Error())
	}
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) handleEscrowCreateProject(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params projectCreateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	client, err := parseBech32Address(params.Client)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	freelancer, err := parseBech32Address(params.Freelancer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	budget, err := parseAmount(params.Budget)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	salt, err := parseSalt(params.Salt)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	milestones := make([]*escrow.Milestone, len(params.Milestones))
	for i, ms := range params.Milestones {
		amount, err := parseAmount(ms.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		milestones[i] = &escrow.Milestone{
			Description: strings.TrimSpace(ms.Description),
			Amount:      amount,
			Deadline:    ms.Deadline,
		}
	}
	project, err := s.node.CreateProject(client, freelancer, budget, milestones, salt)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatProjectJSON(project))
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params projectActionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.FundProject(id, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "funded"})
}

func (s *Server) handleEscrowAttachChannel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params attachChannelParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	channelID, err := parseID32(params.ChannelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.AttachChannel(id, caller, channelID); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "attached"})
}

func (s *Server) handleEscrowSubmitDeliverable(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params submitDeliverableParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SubmitDeliverable(id, caller, params.Milestone, strings.TrimSpace(params.Deliverable)); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "submitted"})
}

func (s *Server) handleEscrowBeginReview(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params milestoneActionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.BeginReview(id, caller, params.Milestone); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "under_review"})
}

func (s *Server) handleEscrowApproveMilestone(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params milestoneActionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ApproveMilestone(id, caller, params.Milestone); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "approved"})
}

func (s *Server) handleEscrowRejectMilestone(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rejectMilestoneParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.RejectMilestone(id, caller, params.Milestone, strings.TrimSpace(params.Feedback)); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "rejected"})
}

func (s *Server) handleEscrowDisputeMilestone(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params milestoneActionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.DisputeMilestone(id, caller, params.Milestone); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "disputed"})
}

func (s *Server) handleEscrowCancelProject(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params projectActionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.CancelProject(id, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "cancelled"})
}

func (s *Server) handleEscrowGetProject(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params projectIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	project, err := s.node.Project(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatProjectJSON(project))
}
