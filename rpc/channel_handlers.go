package rpc

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"workledger/native/channel"
)

type channelOpenParams struct {
	Participants []string `json:"participants"`
	Deposits     []string `json:"deposits"`
	Salt         string   `json:"salt,omitempty"`
}

type channelIDParams struct {
	ID string `json:"id"`
}

type channelDepositParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type signedStateParams struct {
	ChannelID  string   `json:"channelId"`
	Nonce      uint64   `json:"nonce"`
	Balances   []string `json:"balances"`
	Signatures []string `json:"signatures"`
}

type channelSettleParams struct {
	ID    string             `json:"id"`
	Final *signedStateParams `json:"final,omitempty"`
}

type startStreamParams struct {
	ID            string `json:"id"`
	Caller        string `json:"caller"`
	Recipient     string `json:"recipient"`
	RatePerSecond string `json:"ratePerSecond"`
	Duration      int64  `json:"duration"`
}

type stopStreamParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Stream int    `json:"stream"`
}

type channelActionParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type streamJSON struct {
	Recipient     string `json:"recipient"`
	RatePerSecond string `json:"ratePerSecond"`
	StartTime     int64  `json:"startTime"`
	Duration      int64  `json:"duration"`
	StoppedAt     int64  `json:"stoppedAt,omitempty"`
	Active        bool   `json:"active"`
}

type channelJSON struct {
	ID                 string       `json:"id"`
	Participants       []string     `json:"participants"`
	Deposits           []string     `json:"deposits"`
	Balances           []string     `json:"balances"`
	Nonce              uint64       `json:"nonce"`
	Status             string       `json:"status"`
	ChallengePeriod    int64        `json:"challengePeriod"`
	SettlementDeadline int64        `json:"settlementDeadline,omitempty"`
	CreatedAt          int64        `json:"createdAt"`
	UpdatedAt          int64        `json:"updatedAt"`
	Streams            []streamJSON `json:"streams,omitempty"`
}

func formatChannelJSON(c *channel.Channel) channelJSON {
	out := channelJSON{
		ID:                 formatID32(c.ID),
		Participants:       make([]string, len(c.Participants)),
		Deposits:           make([]string, len(c.Deposits)),
		Balances:           make([]string, len(c.Balances)),
		Nonce:              c.Nonce,
		Status:             c.Status.String(),
		ChallengePeriod:    c.ChallengePeriod,
		SettlementDeadline: c.SettlementDeadline,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
	for i, participant := range c.Participants {
		out.Participants[i] = formatAddress(participant)
	}
	for i, deposit := range c.Deposits {
		out.Deposits[i] = formatAmount(deposit)
	}
	for i, balance := range c.Balances {
		out.Balances[i] = formatAmount(balance)
	}
	for _, stream := range c.Streams {
		out.Streams = append(out.Streams, streamJSON{
			Recipient:     formatAddress(stream.Recipient),
			RatePerSecond: formatAmount(stream.RatePerSecond),
			StartTime:     stream.StartTime,
			Duration:      stream.Duration,
			StoppedAt:     stream.StoppedAt,
			Active:        stream.Active,
		})
	}
	return out
}

func parseSignedState(params *signedStateParams) (*channel.SignedState, error) {
	if params == nil {
		return nil, errors.New("signed state required")
	}
	id, err := parseID32(params.ChannelID)
	if err != nil {
		return nil, err
	}
	balances := make([]*big.Int, len(params.Balances))
	for i, raw := range params.Balances {
		balance, err := parseAmount(raw)
		if err != nil {
			return nil, err
		}
		balances[i] = balance
	}
	signatures := make([][]byte, len(params.Signatures))
	for i, raw := range params.Signatures {
		sig, err := parseSignature(raw)
		if err != nil {
			return nil, err
		}
		signatures[i] = sig
	}
	return &channel.SignedState{
		ChannelID:  id,
		Nonce:      params.Nonce,
		Balances:   balances,
		Signatures: signatures,
	}, nil
}

func writeChannelError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, channel.ErrChannelNotFound), errors.Is(err, channel.ErrStreamNotFound):
		writeError(w, http.StatusNotFound, id, codeChannelNotFound, "not_found", err.Error())
	case errors.Is(err, channel.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, id, codeChannelBadSignature, "invalid_signature", err.Error())
	case errors.Is(err, channel.ErrNotParticipant):
		writeError(w, http.StatusForbidden, id, codeChannelInvalidState, "forbidden", err.Error())
	case errors.Is(err, channel.ErrChannelNotOpen), errors.Is(err, channel.ErrChannelSettled),
		errors.Is(err, channel.ErrStaleNonce), errors.Is(err, channel.ErrBalanceConservation),
		errors.Is(err, channel.ErrFinalBalanceConservation), errors.Is(err, channel.ErrChallengePeriodNotElapsed),
		errors.Is(err, channel.ErrNotSettling), errors.Is(err, channel.ErrInvalidState):
		writeError(w, http.StatusConflict, id, codeChannelInvalidState, "invalid_state", err.Error())
	case errors.Is(err, channel.ErrDuplicateParticipant), errors.Is(err, channel.ErrInsufficientDeposit):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid_params", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal_error", err.Error())
	}
}

func (s *Server) handleChannelOpen(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params channelOpenParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if len(params.Participants) != len(params.Deposits) {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "participants and deposits must align")
		return
	}
	participants := make([][20]byte, len(params.Participants))
	deposits := make([]*big.Int, len(params.Deposits))
	for i := range params.Participants {
		addr, err := parseBech32Address(params.Participants[i])
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		amount, err := parseAmount(params.Deposits[i])
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		participants[i] = addr
		deposits[i] = amount
	}
	salt, err := parseSalt(params.Salt)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	opened, err := s.node.OpenChannel(participants, deposits, salt)
	if err != nil {
		writeChannelError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatChannelJSON(opened))
}

func (s *Server) handleChannelDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params channelDepositParams
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
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ChannelDeposit(id, caller, amount); err != nil {
		writeChannelError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "deposited"})
}

func (s *Server) handleChannelUpdateState(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params signedStateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	state, err := parseSignedState(&params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.UpdateChannelState(state); err != nil {
		writeChannelError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "updated", "nonce": strconv.FormatUint(state.Nonce, 10)})
}

func (s *Server) handleChannelStartStream(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params startStreamParams
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
	recipient, err := parseBech32Address(params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	ratePerSecond, err := parseAmount(params.RatePerSecond)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	index, err := s.node.StartStream(id, caller, recipient, ratePerSecond, params.Duration)
	if err != nil {
		writeChannelError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]int{"stream": index})
}

func (s *Server) handleChannelStopStream(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params stopStreamParams
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
	if err := s.node.StopStream(id, caller, params.Stream); err != nil {
		writeChannelError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "stopped"})
}

func (s *Server) handleChannelInitiateSettlement(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params channelActionParams
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
	if err := s.node.InitiateSettlement(id, caller); err != nil {
		writeChannelError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "settling"})
}

func (s *Server) handleChannelChallenge(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params signedStateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	state, err := parseSignedState(&params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ChallengeChannel(state); err != nil {
		writeChannelError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "challenged"})
}

func (s *Server) handleChannelSettle(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params channelSettleParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	var final *channel.SignedState
	if params.Final != nil {
		final, err = parseSignedState(params.Final)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if err := s.node.SettleChannel(id, final); err != nil {
		writeChannelError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "settled"})
}

func (s *Server) handleChannelGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params channelIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseID32(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	ch, err := s.node.Channel(id)
	if err != nil {
		writeChannelError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatChannelJSON(ch))
}
