package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonas/confab/internal/sfu"
	"github.com/jonas/confab/internal/token"
	"github.com/sirupsen/logrus"
)

type contextKey string

const bearerKey contextKey = "bearer"

type bearer struct {
	raw     string
	payload token.Payload
}

// Admin is the internal HTTP API the conference layer uses to provision
// rooms on a room-service instance. Every route requires a valid bearer
// token.
type Admin struct {
	rooms  *sfu.Server
	tokens *token.Service
	logger *logrus.Logger
}

func NewAdmin(rooms *sfu.Server, tokens *token.Service, logger *logrus.Logger) *Admin {
	return &Admin{rooms: rooms, tokens: tokens, logger: logger}
}

func (a *Admin) Register(r *mux.Router) {
	r.Use(a.authorize)
	r.HandleFunc("/newAuthUserToken", a.newAuthUserToken).Methods(http.MethodPost)
	r.HandleFunc("/newRoomToken", a.newRoomToken).Methods(http.MethodPost)
	r.HandleFunc("/newRoom", a.newRoom).Methods(http.MethodPost)
	r.HandleFunc("/terminateRoom", a.terminateRoom).Methods(http.MethodPost)
}

func (a *Admin) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, sfu.Errf(sfu.ErrInvalidToken, "missing bearer token"))
			return
		}
		payload, err := a.tokens.Verify(raw)
		if err != nil {
			a.logger.WithField("path", r.URL.Path).Warn("SECURITY: invalid admin bearer token")
			writeError(w, http.StatusUnauthorized, sfu.Errf(sfu.ErrInvalidToken, "bearer token rejected"))
			return
		}
		ctx := context.WithValue(r.Context(), bearerKey, bearer{raw: raw, payload: payload})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestBearer(r *http.Request) bearer {
	b, _ := r.Context().Value(bearerKey).(bearer)
	return b
}

type newAuthUserTokenRequest struct {
	Username     string     `json:"username"`
	Role         token.Role `json:"role"`
	ExpiresInMin int        `json:"expiresInMin"`
}

type newAuthUserTokenResponse struct {
	AuthToken string `json:"authToken"`
}

// newAuthUserToken mints a per-user auth token for registering against this
// instance. Only admin and service bearers may mint tokens for other users.
func (a *Admin) newAuthUserToken(w http.ResponseWriter, r *http.Request) {
	caller := requestBearer(r)
	if caller.payload.Role != token.RoleAdmin && caller.payload.Role != token.RoleService {
		writeError(w, http.StatusForbidden, sfu.Errf(sfu.ErrNotAllowed, "role %s may not mint user tokens", caller.payload.Role))
		return
	}

	var req newAuthUserTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, sfu.Errf(sfu.ErrInvalidMessage, "username is required"))
		return
	}
	role := req.Role
	if role == "" {
		role = token.RoleUser
	}
	expiresIn := time.Duration(req.ExpiresInMin) * time.Minute
	if req.ExpiresInMin <= 0 {
		expiresIn = 24 * time.Hour
	}

	authToken, err := a.tokens.Sign(token.Payload{Username: req.Username, Role: role}, expiresIn)
	if err != nil {
		writeError(w, http.StatusInternalServerError, sfu.Errf(sfu.ErrInternalError, "could not sign token"))
		return
	}
	writeJSON(w, http.StatusOK, newAuthUserTokenResponse{AuthToken: authToken})
}

type newRoomTokenRequest struct {
	ExpiresInMin int `json:"expiresInMin"`
}

func (a *Admin) newRoomToken(w http.ResponseWriter, r *http.Request) {
	var req newRoomTokenRequest
	json.NewDecoder(r.Body).Decode(&req)

	result, err := a.rooms.NewRoomToken(sfu.RoomNewTokenPayload{
		AuthToken:    requestBearer(r).raw,
		ExpiresInMin: req.ExpiresInMin,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *Admin) newRoom(w http.ResponseWriter, r *http.Request) {
	var payload sfu.RoomNewPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, sfu.Errf(sfu.ErrInvalidMessage, "invalid newRoom body"))
		return
	}
	result, err := a.rooms.NewRoom(payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type terminateRoomRequest struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

type terminateRoomResponse struct {
	RoomID string `json:"roomId"`
}

func (a *Admin) terminateRoom(w http.ResponseWriter, r *http.Request) {
	var req terminateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		writeError(w, http.StatusBadRequest, sfu.Errf(sfu.ErrInvalidMessage, "roomId is required"))
		return
	}
	if req.Reason == "" {
		req.Reason = "terminated"
	}
	if err := a.rooms.TerminateRoom(req.RoomID, req.Reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	a.logger.WithField("roomId", req.RoomID).Info("room terminated via admin API")
	writeJSON(w, http.StatusOK, terminateRoomResponse{RoomID: req.RoomID})
}

func statusFor(err *sfu.Error) int {
	switch err.Code {
	case sfu.ErrInvalidToken:
		return http.StatusUnauthorized
	case sfu.ErrUnauthorized, sfu.ErrNotAllowed:
		return http.StatusForbidden
	case sfu.ErrRoomNotFound, sfu.ErrPeerNotFound, sfu.ErrProducerNotFound:
		return http.StatusNotFound
	case sfu.ErrRoomExists, sfu.ErrAlreadyJoined, sfu.ErrDuplicateProducer:
		return http.StatusConflict
	case sfu.ErrUpstreamFailure:
		return http.StatusBadGateway
	case sfu.ErrInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err *sfu.Error) {
	writeJSON(w, status, sfu.ErrorResult{Error: err})
}
