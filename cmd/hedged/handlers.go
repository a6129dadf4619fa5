package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/hashhedge/hedged/contractdb"
	"github.com/hashhedge/hedged/contractnotifier"
	"github.com/hashhedge/hedged/settlement"
)

// server exposes the settlement engine over REST plus a websocket event
// stream. It owns no state of its own; every request round trips
// through the engine and store.
type server struct {
	engine   *settlement.Engine
	store    settlement.Store
	chain    settlement.ChainAPI
	notifier *contractnotifier.Notifier

	upgrader websocket.Upgrader
}

func newServer(engine *settlement.Engine, store settlement.Store,
	chain settlement.ChainAPI,
	notifier *contractnotifier.Notifier) *server {

	return &server{
		engine:   engine,
		store:    store,
		chain:    chain,
		notifier: notifier,
		upgrader: websocket.Upgrader{
			// The API is public by design; the browser origin
			// carries no authority here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// router wires every endpoint onto a fresh mux.
func (s *server) router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/contracts", s.handleCreate)
	mux.HandleFunc("GET /api/contracts/{id}", s.handleGet)
	mux.HandleFunc("GET /api/users/{pubkey}/contracts", s.handleList)
	mux.HandleFunc("POST /api/contracts/{id}/match", s.handleMatch)
	mux.HandleFunc("POST /api/contracts/{id}/settle", s.handleSettle)
	mux.HandleFunc("POST /api/settle-all", s.handleSettleAll)
	mux.HandleFunc("POST /api/contracts/{id}/refund", s.handleRefund)
	mux.HandleFunc("POST /api/contracts/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/claim-all", s.handleClaimAll)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/last-block-time", s.handleLastBlockTime)
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	return mux
}

type createRequest struct {
	UserPubKey string `json:"user_pubkey"`
	Amount     int64  `json:"amount"`
	Direction  string `json:"direction"`
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	contract, err := s.engine.CreateContract(
		r.Context(), req.UserPubKey, req.Amount,
		contractdb.Direction(req.Direction),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, contract)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}

	contract, err := s.store.Contract(r.Context(), id)
	switch {
	case errors.Is(err, contractdb.ErrContractNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, contract)
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.store.ContractsByUser(
		r.Context(), r.PathValue("pubkey"),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if contracts == nil {
		contracts = []*contractdb.Contract{}
	}

	writeJSON(w, http.StatusOK, contracts)
}

func (s *server) handleMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}

	outcome, err := s.engine.Match(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (s *server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}

	difficulty, err := s.currentDifficulty(r)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	outcome, err := s.engine.Settle(r.Context(), id, difficulty)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (s *server) handleSettleAll(w http.ResponseWriter, r *http.Request) {
	difficulty, err := s.currentDifficulty(r)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	summary, err := s.engine.SettleAll(r.Context(), difficulty)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if summary == nil {
		summary = []settlement.ContractOutcome{}
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}

	outcome, err := s.engine.Refund(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}

	outcome, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

type claimRequest struct {
	UserPubKey string `json:"user_pubkey"`
}

type claimResponse struct {
	*settlement.Outcome
	ContractIDs []int64 `json:"contract_ids"`
}

func (s *server) handleClaimAll(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, ids, err := s.engine.BatchClaim(r.Context(), req.UserPubKey)
	switch {
	case errors.Is(err, settlement.ErrNoWaitingContracts),
		errors.Is(err, settlement.ErrNoFundsFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{
		Outcome:     outcome,
		ContractIDs: ids,
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
}

func (s *server) handleLastBlockTime(w http.ResponseWriter, r *http.Request) {
	ts, err := s.engine.LastBlockTime(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"timestamp": ts})
}

// handleWebsocket upgrades the connection and streams contract events
// until either side goes away.
func (s *server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client, err := s.notifier.Subscribe()
	if err != nil {
		log.Warnf("Websocket subscription failed: %v", err)
		return
	}
	defer client.Cancel()

	// Drain reads so client-initiated close frames are processed.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-client.Updates():
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Debugf("Websocket write failed: %v", err)
				return
			}

		case <-readerGone:
			return
		}
	}
}

// currentDifficulty samples the tip hash and derives the settlement
// difficulty for this request.
func (s *server) currentDifficulty(r *http.Request) (float64, error) {
	tipHash, err := s.chain.TipHash(r.Context())
	if err != nil {
		return 0, err
	}
	return settlement.DeriveDifficulty(tipHash)
}

func contractID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			errors.New("invalid contract id"))
		return 0, false
	}
	return id, true
}

// writeEngineError maps engine lookup failures onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, contractdb.ErrContractNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Unable to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
