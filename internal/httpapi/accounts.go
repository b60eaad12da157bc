package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/schoolhub/messaging/internal/apperr"
	"github.com/schoolhub/messaging/store/user"
)

type registerInput struct {
	Username string `json:"username" validate:"required,min=3,max=50,alphanum"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in registerInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	in.Username = strings.TrimSpace(in.Username)
	in.Name = strings.TrimSpace(in.Name)
	if err := apperr.Check(s.validate, in); err != nil {
		s.fail(w, r, err)
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		s.fail(w, r, apperr.Internal(err))
		return
	}

	u := &user.User{Username: in.Username, Name: in.Name, PasswordHash: string(hashed)}
	if err := s.users.Create(r.Context(), u); err != nil {
		if errors.Is(err, user.ErrDuplicateUsername) {
			s.fail(w, r, apperr.Field("username", "has already been taken"))
			return
		}
		s.fail(w, r, apperr.Internal(err))
		return
	}

	s.log.Info("user registered", zap.Int64("user_id", u.ID), zap.String("username", u.Username))
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := apperr.Check(s.validate, in); err != nil {
		s.fail(w, r, err)
		return
	}

	u, err := s.users.GetByUsername(r.Context(), strings.TrimSpace(in.Username))
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			s.fail(w, r, apperr.Unauthenticated("invalid credentials"))
			return
		}
		s.fail(w, r, apperr.Internal(err))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)); err != nil {
		s.fail(w, r, apperr.Unauthenticated("invalid credentials"))
		return
	}

	token, err := s.auth.GenerateToken(u.ID, u.Username, u.Name)
	if err != nil {
		s.fail(w, r, apperr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(s.auth.Validity().Seconds()),
		"user":       u,
	})
}
