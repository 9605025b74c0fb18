package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// writeJSON encodes a success reply.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy onto the textual error channel:
// validation failures are client errors, everything else is the
// generic internal variant.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidTxInput),
		errors.Is(err, ErrNotUnspent),
		errors.Is(err, ErrDoubleSpend),
		errors.Is(err, ErrInvalidSum),
		errors.Is(err, ErrUnauthorizedSpend),
		errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrNotAllOwnersConfirmed),
		errors.Is(err, ErrCommitWithoutCheck),
		errors.Is(err, ErrWrongPeriod),
		errors.Is(err, ErrInconsistentResponse),
		errors.Is(err, ErrUnknownMintette),
		errors.Is(err, ErrUnknownExplorer),
		errors.Is(err, ErrBadPeriodResult):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, ErrInternal.Error(), http.StatusInternalServerError)
	}
}

// parsePeriodVar reads the {period} path variable.
func parsePeriodVar(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["period"], 10, 64)
}

// MintetteServer binds the mintette state machine to the transport.
type MintetteServer struct {
	node    *MintetteNode
	cfg     *Config
	started time.Time
}

func NewMintetteServer(node *MintetteNode, cfg *Config) *MintetteServer {
	return &MintetteServer{node: node, cfg: cfg, started: time.Now()}
}

// Router wires the mintette method set. Peer endpoints used by the
// bank sit behind node authentication.
func (s *MintetteServer) Router() *mux.Router {
	router := mux.NewRouter()
	nodeAuth := NodeAuthMiddleware(s.cfg.NodeAuthSecret, s.cfg.RequireNodeAuth)

	router.HandleFunc("/api/health", s.HealthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/api/checkTx", s.CheckTxHandler).Methods("POST")
	router.HandleFunc("/api/checkTxBatch", s.CheckTxBatchHandler).Methods("POST")
	router.HandleFunc("/api/commitTx", s.CommitTxHandler).Methods("POST")

	router.Handle("/api/periodFinished", nodeAuth(http.HandlerFunc(s.PeriodFinishedHandler))).Methods("POST")
	router.Handle("/api/announceNewPeriod", nodeAuth(http.HandlerFunc(s.AnnounceNewPeriodHandler))).Methods("POST")

	router.HandleFunc("/api/period", s.GetPeriodHandler).Methods("GET")
	router.HandleFunc("/api/utxo", s.GetUtxoHandler).Methods("GET")
	router.HandleFunc("/api/blocks/{period:[0-9]+}", s.GetBlocksHandler).Methods("GET")
	router.HandleFunc("/api/logs/{period:[0-9]+}", s.GetLogsHandler).Methods("GET")

	return router
}

func (s *MintetteServer) HealthHandler(w http.ResponseWriter, r *http.Request) {
	period, _ := s.node.Period()
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"role":   RoleMintette,
		"period": period,
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// checkTxRequest is the wire form of checkNotDoubleSpent.
type checkTxRequest struct {
	Tx         Transaction `json:"tx"`
	AddrID     AddrID      `json:"addrId"`
	Signatures []AddrSig   `json:"signatures"`
}

func (s *MintetteServer) CheckTxHandler(w http.ResponseWriter, r *http.Request) {
	var req checkTxRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	conf, err := s.node.CheckNotDoubleSpent(&req.Tx, req.AddrID, req.Signatures)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, conf)
}

// checkTxBatchRequest bundles independent per-addrid checks.
type checkTxBatchRequest struct {
	Tx    Transaction      `json:"tx"`
	Items []BatchCheckItem `json:"items"`
}

func (s *MintetteServer) CheckTxBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req checkTxBatchRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	results := s.node.CheckTxBatch(&req.Tx, req.Items)
	writeJSON(w, map[string]interface{}{"results": results})
}

// commitTxRequest is the wire form of commitTx.
type commitTxRequest struct {
	Tx            Transaction                      `json:"tx"`
	Confirmations map[MintetteID]CheckConfirmation `json:"confirmations"`
}

func (s *MintetteServer) CommitTxHandler(w http.ResponseWriter, r *http.Request) {
	var req commitTxRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	ack, err := s.node.CommitTx(&req.Tx, req.Confirmations)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, ack)
}

func (s *MintetteServer) PeriodFinishedHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeriodID uint64 `json:"periodId"`
	}
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	result, err := s.node.FinishPeriod(req.PeriodID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, result)
}

func (s *MintetteServer) AnnounceNewPeriodHandler(w http.ResponseWriter, r *http.Request) {
	var npd NewPeriodData
	if err := DecodeJSONBody(w, r, &npd); err != nil {
		return
	}

	if err := s.node.StartPeriod(&npd); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{"status": "success", "period": npd.PeriodID})
}

// GetPeriodHandler surfaces store failures explicitly so callers can
// tell "no period yet" from a broken store.
func (s *MintetteServer) GetPeriodHandler(w http.ResponseWriter, r *http.Request) {
	period, err := s.node.Period()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]uint64{"period": period})
}

func (s *MintetteServer) GetUtxoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"utxo": s.node.Utxo()})
}

func (s *MintetteServer) GetBlocksHandler(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriodVar(r)
	if err != nil {
		http.Error(w, "Invalid period", http.StatusBadRequest)
		return
	}

	blocks, err := s.node.Blocks(period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"period": period, "blocks": blocks})
}

func (s *MintetteServer) GetLogsHandler(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriodVar(r)
	if err != nil {
		http.Error(w, "Invalid period", http.StatusBadRequest)
		return
	}

	log, err := s.node.Logs(period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"period": period, "log": log})
}

// BankServer binds the bank to the transport.
type BankServer struct {
	node    *BankNode
	cfg     *Config
	started time.Time
}

func NewBankServer(node *BankNode, cfg *Config) *BankServer {
	return &BankServer{node: node, cfg: cfg, started: time.Now()}
}

func (s *BankServer) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/health", s.HealthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/api/mintettes", s.GetMintettesHandler).Methods("GET")
	router.HandleFunc("/api/mintettes", s.AdmitMintetteHandler).Methods("POST")
	router.HandleFunc("/api/height", s.GetHeightHandler).Methods("GET")
	router.HandleFunc("/api/blocks/{period:[0-9]+}", s.GetHBlockHandler).Methods("GET")
	router.HandleFunc("/api/addresses", s.GetAddressesHandler).Methods("GET")
	router.HandleFunc("/api/addresses", s.RegisterAddressHandler).Methods("POST")
	router.HandleFunc("/api/explorers", s.GetExplorersHandler).Methods("GET")
	router.HandleFunc("/api/explorers", s.RegisterExplorerHandler).Methods("POST")
	router.HandleFunc("/api/utxo", s.GetUtxoHandler).Methods("GET")

	return router
}

func (s *BankServer) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"role":   RoleBank,
		"height": s.node.Height(),
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *BankServer) GetMintettesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"mintettes": s.node.Mintettes(),
		"dpk":       s.node.DPK(),
	})
}

func (s *BankServer) AdmitMintetteHandler(w http.ResponseWriter, r *http.Request) {
	var req mintetteCandidate
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if req.Mintette.Host == "" || req.Mintette.Port == 0 {
		http.Error(w, "Invalid mintette endpoint", http.StatusBadRequest)
		return
	}

	s.node.AdmitMintette(req.Mintette, req.Key)
	writeJSON(w, map[string]interface{}{"status": "success", "address": req.Mintette.Addr()})
}

func (s *BankServer) GetHeightHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]uint64{"height": s.node.Height()})
}

func (s *BankServer) GetHBlockHandler(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriodVar(r)
	if err != nil {
		http.Error(w, "Invalid period", http.StatusBadRequest)
		return
	}

	blk, err := s.node.GetHBlock(period)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, blk)
}

func (s *BankServer) GetAddressesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"addresses": s.node.Addresses()})
}

// registerAddressRequest registers a spend strategy for an address.
type registerAddressRequest struct {
	Address  Address    `json:"address"`
	Strategy TxStrategy `json:"strategy"`
}

func (s *BankServer) RegisterAddressHandler(w http.ResponseWriter, r *http.Request) {
	var req registerAddressRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	if req.Strategy.Kind != StrategyDefault && req.Strategy.Kind != StrategyMOfN {
		http.Error(w, "Unknown strategy kind", http.StatusBadRequest)
		return
	}
	if req.Strategy.Kind == StrategyMOfN && (req.Strategy.M <= 0 || req.Strategy.M > len(req.Strategy.Keys)) {
		http.Error(w, "Invalid m-of-n strategy", http.StatusBadRequest)
		return
	}

	s.node.RegisterAddress(req.Address, req.Strategy)
	writeJSON(w, map[string]interface{}{"status": "success", "address": req.Address.String()})
}

func (s *BankServer) GetExplorersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"explorers": s.node.Explorers()})
}

func (s *BankServer) RegisterExplorerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if req.Endpoint == "" {
		http.Error(w, "Missing explorer endpoint", http.StatusBadRequest)
		return
	}

	s.node.RegisterExplorer(req.Endpoint)
	writeJSON(w, map[string]interface{}{"status": "success"})
}

func (s *BankServer) GetUtxoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"utxo": s.node.Utxo()})
}
