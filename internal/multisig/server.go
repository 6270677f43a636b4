package multisig

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const sessionTTL = 15 * time.Minute

// session is one treasury signing round hosted by the relay. The server
// holds the canonical unsigned payload; members fetch it, sign locally,
// and post their signatures back.
type session struct {
	ID        string
	Config    Config
	Set       *SigningSet
	Joined    map[string]bool
	CreatedAt time.Time
	Mutex     sync.Mutex
}

// Server hosts signing sessions over HTTP. Signers do not need to be
// co-located or online simultaneously; the session outlives individual
// requests until its TTL.
type Server struct {
	sessions map[string]*session
	mutex    sync.Mutex
}

func NewServer() *Server {
	s := &Server{sessions: make(map[string]*session)}
	go s.sweepExpired()
	return s
}

// Router returns the HTTP routes for the relay.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/session/initiate", s.initiateSession).Methods("POST")
	router.HandleFunc("/session/{sessionID}/join", s.joinSession).Methods("POST")
	router.HandleFunc("/session/{sessionID}/transaction", s.getTransaction).Methods("GET")
	router.HandleFunc("/session/{sessionID}/signature", s.submitSignature).Methods("POST")
	router.HandleFunc("/session/{sessionID}/status", s.sessionStatus).Methods("GET")
	router.HandleFunc("/session/{sessionID}/finalize", s.finalizeSession).Methods("GET")
	return router
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *session {
	sessionID := mux.Vars(r)["sessionID"]
	s.mutex.Lock()
	sess, exists := s.sessions[sessionID]
	s.mutex.Unlock()
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil
	}
	return sess
}

func (s *Server) initiateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transaction string   `json:"transaction"` // base64 message payload
		Threshold   int      `json:"threshold"`
		Members     []string `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Transaction)
	if err != nil {
		http.Error(w, "Invalid transaction encoding", http.StatusBadRequest)
		return
	}

	cfg := Config{Threshold: req.Threshold}
	for _, m := range req.Members {
		member, err := solana.PublicKeyFromBase58(m)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid member key %s", m), http.StatusBadRequest)
			return
		}
		cfg.Members = append(cfg.Members, member)
	}

	set, err := NewSigningSet(cfg, payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess := &session{
		ID:        uuid.NewString(),
		Config:    cfg,
		Set:       set,
		Joined:    make(map[string]bool),
		CreatedAt: time.Now(),
	}

	s.mutex.Lock()
	s.sessions[sess.ID] = sess
	s.mutex.Unlock()

	log.Printf("signing session %s created (%d-of-%d)", sess.ID, cfg.Threshold, len(cfg.Members))

	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessionID": sess.ID,
		"threshold": cfg.Threshold,
		"members":   len(cfg.Members),
	})
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Member string `json:"member"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	member, err := solana.PublicKeyFromBase58(req.Member)
	if err != nil {
		http.Error(w, "Invalid member key", http.StatusBadRequest)
		return
	}

	sess.Mutex.Lock()
	defer sess.Mutex.Unlock()

	if !sess.Config.IsMember(member) {
		http.Error(w, "Not a member of this signing set", http.StatusForbidden)
		return
	}
	sess.Joined[member.String()] = true
	log.Printf("member %s joined session %s", member, sess.ID)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Joined signing session",
		"joined":  len(sess.Joined),
	})
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}

	sess.Mutex.Lock()
	defer sess.Mutex.Unlock()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"transaction": base64.StdEncoding.EncodeToString(sess.Set.Payload()),
	})
}

func (s *Server) submitSignature(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Member    string `json:"member"`
		Signature string `json:"signature"` // base64
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	member, err := solana.PublicKeyFromBase58(req.Member)
	if err != nil {
		http.Error(w, "Invalid member key", http.StatusBadRequest)
		return
	}

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}
	if len(sigBytes) != 64 {
		http.Error(w, "Invalid signature length (expected 64 bytes)", http.StatusBadRequest)
		return
	}

	sess.Mutex.Lock()
	defer sess.Mutex.Unlock()

	state, err := sess.Set.AddSignature(member, solana.SignatureFromBytes(sigBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Printf("session %s: signature from %s accepted (%d collected, state %s)",
		sess.ID, member, sess.Set.Count(), state)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"state":     state.String(),
		"collected": sess.Set.Count(),
		"threshold": sess.Config.Threshold,
	})
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}

	sess.Mutex.Lock()
	defer sess.Mutex.Unlock()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessionID": sess.ID,
		"state":     sess.Set.State().String(),
		"collected": sess.Set.Count(),
		"threshold": sess.Config.Threshold,
		"joined":    len(sess.Joined),
		"ready":     sess.Set.MeetsThreshold(),
	})
}

func (s *Server) finalizeSession(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}

	sess.Mutex.Lock()
	defer sess.Mutex.Unlock()

	if !sess.Set.MeetsThreshold() {
		http.Error(w, ErrThresholdNotMet.Error(), http.StatusConflict)
		return
	}

	signatures := make(map[string]string)
	for member, sig := range sess.Set.Signatures() {
		signatures[member.String()] = base64.StdEncoding.EncodeToString(sig[:])
	}

	log.Printf("session %s finalized with %d signature(s)", sess.ID, len(signatures))

	json.NewEncoder(w).Encode(map[string]interface{}{
		"signatures": signatures,
	})
}

func (s *Server) sweepExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-sessionTTL)
		s.mutex.Lock()
		for id, sess := range s.sessions {
			if sess.CreatedAt.Before(cutoff) {
				delete(s.sessions, id)
				log.Printf("signing session %s expired", id)
			}
		}
		s.mutex.Unlock()
	}
}
