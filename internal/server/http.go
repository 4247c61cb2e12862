package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/credentials"
	"github.com/sealedroom/server/internal/crypto"
)

// Routes registers the collaboration server's HTTP surface (spec
// section 4.8, 6) on mux. There is no teacher HTTP surface to ground
// this on (the teacher dials raw TCP, see pool.go's dialAndHandshake);
// net/http's 1.22+ pattern-based ServeMux already gives method- and
// path-parameter routing, and no router library appears anywhere in
// the retrieved corpus, so nothing third-party is dropped by using it.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/session", s.handleCreateSession)
	mux.HandleFunc("POST /api/session/{roomId}", s.handleJoinSession)
	mux.HandleFunc("GET /api/session/join/{joinToken}", s.handleUpgrade)
}

type loginRequest struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	SignPub string `json:"signPub"` // base64-encoded Ed25519 public key
	SealPub string `json:"sealPub"` // base64-encoded HPKE public key
}

type loginResponse struct {
	Token string `json:"token"`
}

// handleLogin implements POST /api/login (spec section 4.5): an
// out-of-scope proof-of-identity step is assumed already satisfied by
// the time this handler runs (e.g. by a reverse proxy or an upstream
// auth layer); it only records the durable identity and mints a login
// token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	signPub, err := base64.StdEncoding.DecodeString(req.SignPub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed signPub")
		return
	}
	sealPub, err := base64.StdEncoding.DecodeString(req.SealPub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed sealPub")
		return
	}
	pub, err := crypto.DecodePublicKey(signPub, sealPub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid public key")
		return
	}

	user := s.Users.Authenticate(req.UserID, req.Name, req.Email, pub)
	tok, err := s.Credentials.MintLoginToken(credentials.User{ID: user.ID})
	if err != nil {
		s.Logger.Error("mint login token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not mint token")
		return
	}

	writeJSON(w, http.StatusCreated, loginResponse{Token: string(tok)})
}

type sessionRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

// handleCreateSession implements POST /api/session (spec section
// 4.5): a freshly logged-in user asks to host a brand-new room. The
// room itself is not created until the duplex upgrade redeems the
// token (handleUpgrade), since a Room needs a live Peer/Connection;
// an empty RoomID on the minted token is this package's signal that
// the redeeming side is the room's host-to-be.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	claim, err := s.Credentials.RedeemLogin(credentials.LoginToken(req.Token))
	if err != nil {
		writeError(w, statusForCredentialError(err), err.Error())
		return
	}

	tok, err := s.Credentials.MintJoinToken(claim, "")
	if err != nil {
		s.Logger.Error("mint join token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not mint token")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Token: string(tok)})
}

// handleJoinSession implements POST /api/session/{roomId} (spec
// section 4.5): a logged-in user asks to join an existing room as a
// guest. 404 if the room does not exist; the host's actual approval
// happens later, on the duplex upgrade.
func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	claim, err := s.Credentials.RedeemLogin(credentials.LoginToken(req.Token))
	if err != nil {
		writeError(w, statusForCredentialError(err), err.Error())
		return
	}

	if _, ok := s.Rooms.RoomByID(roomID); !ok {
		writeError(w, http.StatusNotFound, "no such room")
		return
	}

	tok, err := s.Credentials.MintJoinToken(claim, roomID)
	if err != nil {
		s.Logger.Error("mint join token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not mint token")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Token: string(tok)})
}

func statusForCredentialError(err error) int {
	switch err {
	case credentials.ErrExpiredToken:
		return http.StatusGone
	case credentials.ErrAlreadyUsed:
		return http.StatusGone
	case credentials.ErrInvalidToken:
		return http.StatusUnauthorized
	default:
		return http.StatusUnauthorized
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}
