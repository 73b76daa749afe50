package rpc

import (
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"workledger/native/oracle"
)

type addressParams struct {
	Address string `json:"address"`
}

type balanceResult struct {
	Address    string `json:"address"`
	BalanceWRK string `json:"balanceWRK"`
	Nonce      uint64 `json:"nonce"`
}

type reputationResult struct {
	Address      string `json:"address"`
	Completions  uint64 `json:"completions"`
	TotalEarned  string `json:"totalEarned"`
	AverageScore uint64 `json:"averageScore"`
	Disputes     uint64 `json:"disputes"`
	DisputesLost uint64 `json:"disputesLost"`
	UpdatedAt    int64  `json:"updatedAt"`
}

type eventJSON struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type rateParams struct {
	Symbol string `json:"symbol"`
	Rate   string `json:"rate,omitempty"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := s.node.Account(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, balanceResult{
		Address:    formatAddress(addr),
		BalanceWRK: formatAmount(account.BalanceWRK),
		Nonce:      account.Nonce,
	})
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	record, ok, err := s.node.Reputation(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	result := reputationResult{Address: formatAddress(addr), TotalEarned: "0"}
	if ok {
		result.Completions = record.Completions
		result.TotalEarned = formatAmount(record.TotalEarned)
		if record.Completions > 0 {
			result.AverageScore = record.QualitySum / record.Completions
		}
		result.Disputes = record.Disputes
		result.DisputesLost = record.DisputesLost
		result.UpdatedAt = record.UpdatedAt
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	records := s.node.RecentEvents()
	out := make([]eventJSON, len(records))
	for i, record := range records {
		out[i] = eventJSON{Type: record.Type, Attributes: record.Attributes}
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleOracleSetRate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	symbol := strings.TrimSpace(params.Symbol)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "symbol required")
		return
	}
	rate, ok := new(big.Rat).SetString(strings.TrimSpace(params.Rate))
	if !ok || rate.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "rate must be a positive decimal")
		return
	}
	s.node.Rates().Set(symbol, rate, time.Now())
	writeResult(w, req.ID, map[string]string{"status": "ok"})
}

func (s *Server) handleOracleGetRate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	rate, err := s.node.Rates().Quote(params.Symbol)
	if err != nil {
		if errors.Is(err, oracle.ErrQuoteUnavailable) {
			writeError(w, http.StatusNotFound, req.ID, codeEscrowNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]string{
		"symbol": strings.ToUpper(strings.TrimSpace(params.Symbol)),
		"rate":   rate.FloatString(8),
	})
}
