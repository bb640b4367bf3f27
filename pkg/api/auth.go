package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"peer-sync/pkg/auth"
	"peer-sync/pkg/db"
	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
)

// Headers an agent may present instead of an operator credential.
const (
	HeaderNodeID         = "X-Node-ID"
	HeaderProvisionToken = "X-Provision-Token"
)

// UserRepository stores operator accounts.
type UserRepository interface {
	Count() (int64, error)
	Create(*model.User) error
	FindByUsername(name string) (model.User, error)
}

// Authenticator accepts a static shared token or an operator JWT. With
// neither configured every request is allowed.
type Authenticator struct {
	token  string
	issuer *auth.Issuer
}

func NewAuthenticator(token string, issuer *auth.Issuer) *Authenticator {
	return &Authenticator{token: token, issuer: issuer}
}

func (a *Authenticator) Enabled() bool { return a.token != "" || a.issuer != nil }

// Identify returns the actor behind the request credential.
func (a *Authenticator) Identify(r *http.Request) (string, bool) {
	if !a.Enabled() {
		return "anonymous", true
	}
	cred := credential(r)
	if cred == "" {
		return "", false
	}
	if a.token != "" && subtle.ConstantTimeCompare([]byte(cred), []byte(a.token)) == 1 {
		return "token", true
	}
	if a.issuer != nil {
		if claims, err := a.issuer.Parse(cred); err == nil {
			return claims.Username, true
		}
	}
	return "", false
}

// credential reads X-Auth-Token, falling back to a Bearer token.
func credential(r *http.Request) string {
	if h := r.Header.Get("X-Auth-Token"); h != "" {
		return h
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

type actorKey struct{}

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok {
		return a
	}
	return "controller"
}

func (s *Server) operatorOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := s.authn.Identify(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(withActor(r.Context(), actor)))
	}
}

// agentOnly also admits a node presenting the provision token it was
// prepared with.
func (s *Server) agentOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if actor, ok := s.authn.Identify(r); ok {
			next(w, r.WithContext(withActor(r.Context(), actor)))
			return
		}
		nodeID, token := r.Header.Get(HeaderNodeID), r.Header.Get(HeaderProvisionToken)
		if nodeID != "" && token != "" {
			n, ok, err := s.store.GetNode(nodeID)
			if err == nil && ok && n.ProvisionToken != "" &&
				subtle.ConstantTimeCompare([]byte(n.ProvisionToken), []byte(token)) == 1 {
				next(w, r.WithContext(withActor(r.Context(), nodeID)))
				return
			}
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// handleUserRegister only allows the first user to be created (admin).
func (s *Server) handleUserRegister(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	count, err := s.users.Count()
	if err != nil {
		s.log.Error("count users failed", logger.Err(err))
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}
	if count > 0 {
		http.Error(w, "registration closed", http.StatusForbidden)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "invalid password", http.StatusBadRequest)
		return
	}
	user := model.User{Username: req.Username, PasswordHash: string(hash), IsAdmin: true}
	if err := s.users.Create(&user); err != nil {
		s.log.Error("create user failed", "user", req.Username, logger.Err(err))
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}
	s.issueToken(w, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	user, err := s.users.FindByUsername(req.Username)
	if err != nil {
		if !errors.Is(err, db.ErrUserNotFound) {
			s.log.Error("find user failed", "user", req.Username, logger.Err(err))
		}
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	s.issueToken(w, user)
}

func (s *Server) issueToken(w http.ResponseWriter, user model.User) {
	token, err := s.issuer.Generate(user.ID, user.Username, user.IsAdmin)
	if err != nil {
		s.log.Error("sign token failed", logger.Err(err))
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}
