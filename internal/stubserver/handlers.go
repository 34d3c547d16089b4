package stubserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"grepud/internal/models"
)

const refreshCookie = "refresh_token"

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid input")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "username, email, and password are required")
		return
	}

	code, err := s.store.register(req)
	if errors.Is(err, errUserExists) {
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Registration failed")
		respondWithError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.logger.Info().Str("email", req.Email).Str("otp", code).Msg("Verification code issued")
	respondWithJSON(w, http.StatusCreated, models.MessageResponse{Message: "Registration successful, check your email for the OTP code"})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid input")
		return
	}

	if err := s.store.verify(strings.TrimSpace(req.Email), req.Code); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, models.MessageResponse{Message: "Account verified, please log in"})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid input")
		return
	}

	u, err := s.store.authenticate(strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		s.logger.Warn().Str("email", req.Email).Msg("Login failed")
		respondWithError(w, http.StatusUnauthorized, err.Error())
		return
	}

	token, err := s.generateToken(u)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	deviceID := r.Header.Get("X-Device-ID")
	if deviceID == "" {
		deviceID = "unknown"
	}
	refresh, err := s.store.issueRefresh(u.ID, deviceID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	s.setRefreshCookie(w, refresh, int(refreshTTL.Seconds()))

	respondWithJSON(w, http.StatusOK, models.AuthResponse{Token: token})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookie)
	if err != nil || c.Value == "" {
		respondWithError(w, http.StatusUnauthorized, "No token provided")
		return
	}

	userID, next, err := s.store.rotateRefresh(c.Value)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Refresh rejected")
		s.setRefreshCookie(w, "", -1)
		respondWithError(w, http.StatusUnauthorized, "Session expired")
		return
	}
	u, ok := s.store.userByID(userID)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Session expired")
		return
	}

	token, err := s.generateToken(&u)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	s.setRefreshCookie(w, next, int(refreshTTL.Seconds()))
	respondWithJSON(w, http.StatusOK, models.AuthResponse{AccessToken: token})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		s.store.revokeRefresh(c.Value)
	}
	s.setRefreshCookie(w, "", -1)
	respondWithJSON(w, http.StatusOK, models.MessageResponse{Message: "Logged out"})
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    value,
		Path:     "/auth/refresh",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := getUserID(r)
	respondWithJSON(w, http.StatusOK, s.store.listOrders(userID))
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid Input")
		return
	}
	req.Item = strings.TrimSpace(req.Item)
	if req.Item == "" || req.Price < 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid Input")
		return
	}

	userID, _ := getUserID(r)
	order := s.store.createOrder(userID, req, idempotencyKey(r))
	respondWithJSON(w, http.StatusCreated, order)
}

func (s *Server) pay(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid Input")
		return
	}

	userID, _ := getUserID(r)
	resp, err := s.store.pay(userID, req, idempotencyKey(r))
	switch {
	case errors.Is(err, errOrderNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errAlreadyPaid):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errAmountMismatch):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		respondWithError(w, http.StatusInternalServerError, "payment failed")
	default:
		s.logger.Info().Str("order_id", req.OrderID).Int64("amount", req.Amount).Msg("Payment processed")
		respondWithJSON(w, http.StatusOK, resp)
	}
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
