// Package cartapi serves the REST surface the storefront client consumes:
// auth, the product catalog, per-user carts and orders.
package cartapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/store"
	"github.com/wilhg/storefront/pkg/validate"
)

const maxBody = 1 << 20

// Server holds the handler dependencies.
type Server struct {
	st       store.Backend
	log      logrus.FieldLogger
	tokenTTL time.Duration
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l logrus.FieldLogger) Option { return func(s *Server) { s.log = l } }

// WithTokenTTL sets how long issued tokens stay valid.
func WithTokenTTL(d time.Duration) Option { return func(s *Server) { s.tokenTTL = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// New returns a Server over st.
func New(st store.Backend, opts ...Option) *Server {
	s := &Server{st: st, log: logrus.StandardLogger(), tokenTTL: 24 * time.Hour, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router registers all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLog)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/register", s.register).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)
	api.HandleFunc("/products", s.listProducts).Methods(http.MethodGet)
	api.HandleFunc("/products/{id}", s.getProduct).Methods(http.MethodGet)
	api.HandleFunc("/cart/{userId}", s.getCart).Methods(http.MethodGet)
	api.HandleFunc("/cart/{userId}", s.putCart).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.createOrder).Methods(http.MethodPost)
	// registered before /orders/{id} so "user" is not taken for an order id
	api.HandleFunc("/orders/user", s.listOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.getOrder).Methods(http.MethodGet)
	return r
}

type userView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type authResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

type credentials struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type cartBody struct {
	Items   []cart.Entry `json:"items"`
	Version int64        `json:"version,omitempty"`
}

type orderRequest struct {
	Items           []cart.Entry `json:"items"`
	DeliveryAddress string       `json:"deliveryAddress"`
}

type orderView struct {
	ID              string            `json:"orderId"`
	UserID          string            `json:"userId"`
	Email           string            `json:"email"`
	DeliveryAddress string            `json:"deliveryAddress"`
	Status          string            `json:"status"`
	Items           []store.OrderLine `json:"items"`
	Total           decimal.Decimal   `json:"totalAmount"`
	CreatedAt       time.Time         `json:"createdAt"`
}

func viewOrder(o store.Order) orderView {
	return orderView{
		ID:              o.ID,
		UserID:          o.UserID,
		Email:           o.Email,
		DeliveryAddress: o.DeliveryAddress,
		Status:          o.Status,
		Items:           o.Items,
		Total:           o.Total,
		CreatedAt:       o.CreatedAt.UTC(),
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	in, err := readCredentials(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.System("hash_failed", "could not hash password", nil, err))
		return
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = in.Email
	}
	acct, err := s.st.CreateAccount(r.Context(), store.Account{
		ID:           uuid.NewString(),
		Email:        in.Email,
		Name:         name,
		Role:         "customer",
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		errmodel.WriteHTTP(w, r, errmodel.Validation("conflict", "email is already registered", nil))
		return
	}
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("create_failed", "could not create account", nil, err))
		return
	}
	s.issue(w, r, acct, http.StatusCreated)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	in, err := readCredentials(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	acct, err := s.st.GetAccountByEmail(r.Context(), in.Email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		errmodel.WriteHTTP(w, r, errmodel.Storage("read_failed", "could not load account", nil, err))
		return
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(in.Password)) != nil {
		errmodel.WriteHTTP(w, r, errmodel.Auth("unauthorized", "invalid email or password", nil))
		return
	}
	s.issue(w, r, acct, http.StatusOK)
}

func (s *Server) issue(w http.ResponseWriter, r *http.Request, acct store.Account, status int) {
	tok := store.AccessToken{Token: uuid.NewString(), UserID: acct.ID, ExpiresAt: s.now().Add(s.tokenTTL)}
	if err := s.st.PutToken(r.Context(), tok); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("token_failed", "could not issue token", nil, err))
		return
	}
	writeJSON(w, status, authResponse{
		Token: tok.Token,
		User:  userView{ID: acct.ID, Name: acct.Name, Email: acct.Email, Role: acct.Role},
	})
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.st.GetProduct(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		errmodel.WriteHTTP(w, r, errmodel.Validation("not_found", "product not found", map[string]any{"product_id": id}))
		return
	}
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("read_failed", "could not load product", nil, err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.st.ListProducts(r.Context(), strings.TrimSpace(r.URL.Query().Get("category")))
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("read_failed", "could not list products", nil, err))
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authorize(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	rec, err := s.st.GetCart(r.Context(), userID)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("read_failed", "could not load cart", nil, err))
		return
	}
	writeJSON(w, http.StatusOK, cartBody{Items: rec.Items, Version: rec.Version})
}

func (s *Server) putCart(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authorize(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_body", "could not read body", nil))
		return
	}
	if err := validate.Cart(raw); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_cart", err.Error(), nil))
		return
	}
	var in cartBody
	if err := json.Unmarshal(raw, &in); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", err.Error(), nil))
		return
	}
	ids := make([]string, 0, len(in.Items))
	for _, it := range in.Items {
		ids = append(ids, it.ProductID)
	}
	if err := validate.Entries(ids); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("duplicate_item", err.Error(), nil))
		return
	}
	rec, err := s.st.PutCart(r.Context(), userID, in.Items)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("write_failed", "could not save cart", nil, err))
		return
	}
	writeJSON(w, http.StatusOK, cartBody{Items: rec.Items, Version: rec.Version})
}

// authorize checks the bearer token against the {userId} route variable.
func (s *Server) authorize(r *http.Request) (string, error) {
	userID := mux.Vars(r)["userId"]
	tok, err := s.bearer(r)
	if err != nil {
		return "", err
	}
	if tok.UserID != userID {
		return "", errmodel.Auth("forbidden", "cart belongs to another user", map[string]any{"user_id": userID})
	}
	return userID, nil
}

// bearer resolves the request's bearer token to an unexpired token record.
func (s *Server) bearer(r *http.Request) (store.AccessToken, error) {
	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return store.AccessToken{}, errmodel.Auth("unauthorized", "missing bearer token", nil)
	}
	tok, err := s.st.LookupToken(r.Context(), strings.TrimSpace(token))
	if errors.Is(err, store.ErrNotFound) {
		return store.AccessToken{}, errmodel.Auth("unauthorized", "unknown token", nil)
	}
	if err != nil {
		return store.AccessToken{}, errmodel.Storage("read_failed", "could not check token", nil, err)
	}
	if s.now().After(tok.ExpiresAt) {
		return store.AccessToken{}, errmodel.Auth("unauthorized", "token expired", nil)
	}
	return tok, nil
}

func readCredentials(r *http.Request) (credentials, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return credentials{}, errmodel.Validation("bad_body", "could not read body", nil)
	}
	if err := validate.Raw(validate.CredentialsSchema, raw); err != nil {
		return credentials{}, errmodel.Validation("invalid_credentials", err.Error(), nil)
	}
	var in credentials
	if err := json.Unmarshal(raw, &in); err != nil {
		return credentials{}, errmodel.Validation("bad_json", err.Error(), nil)
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	return in, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"request_id":  rid,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	})
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	tok, err := s.bearer(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_body", "could not read body", nil))
		return
	}
	if err := validate.Raw(validate.OrderSchema, raw); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_order", err.Error(), nil))
		return
	}
	var in orderRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", err.Error(), nil))
		return
	}
	ids := make([]string, 0, len(in.Items))
	for _, it := range in.Items {
		ids = append(ids, it.ProductID)
	}
	if err := validate.Entries(ids); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("duplicate_item", err.Error(), nil))
		return
	}
	acct, err := s.st.GetAccount(r.Context(), tok.UserID)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("read_failed", "could not load account", nil, err))
		return
	}

	// prices come from the catalog, never from the client
	order := store.Order{
		ID:              uuid.NewString(),
		UserID:          acct.ID,
		Email:           acct.Email,
		DeliveryAddress: strings.TrimSpace(in.DeliveryAddress),
		Status:          "pending",
		Items:           make([]store.OrderLine, 0, len(in.Items)),
		Total:           decimal.Zero,
		CreatedAt:       s.now(),
	}
	for _, it := range in.Items {
		p, err := s.st.GetProduct(r.Context(), it.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			errmodel.WriteHTTP(w, r, errmodel.Validation("unknown_product", "product is not in the catalog", map[string]any{"product_id": it.ProductID}))
			return
		}
		if err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Storage("read_failed", "could not load product", nil, err))
			return
		}
		order.Items = append(order.Items, store.OrderLine{ProductID: p.ID, Name: p.Name, Quantity: it.Quantity, Price: p.Price})
		order.Total = order.Total.Add(p.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	created, err := s.st.CreateOrder(r.Context(), order)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("write_failed", "could not place order", nil, err))
		return
	}
	s.log.WithFields(logrus.Fields{"order_id": created.ID, "user_id": created.UserID, "lines": len(created.Items)}).Info("order placed")
	writeJSON(w, http.StatusCreated, viewOrder(created))
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	tok, err := s.bearer(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	list, err := s.st.ListOrders(r.Context(), tok.UserID)
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("read_failed", "could not list orders", nil, err))
		return
	}
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, viewOrder(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	tok, err := s.bearer(r)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	o, err := s.st.GetOrder(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		errmodel.WriteHTTP(w, r, errmodel.Validation("not_found", "order not found", map[string]any{"order_id": id}))
		return
	}
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Storage("read_failed", "could not load order", nil, err))
		return
	}
	if o.UserID != tok.UserID {
		errmodel.WriteHTTP(w, r, errmodel.Auth("forbidden", "order belongs to another user", map[string]any{"order_id": id}))
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(o))
}

// Seed loads products from a JSON array.
func Seed(ctx context.Context, st store.ProductStore, r io.Reader) (int, error) {
	var products []cart.Product
	if err := json.NewDecoder(r).Decode(&products); err != nil {
		return 0, errmodel.Validation("bad_seed", err.Error(), nil)
	}
	for _, p := range products {
		if err := st.PutProduct(ctx, p); err != nil {
			return 0, errmodel.Storage("seed_failed", "could not store product", map[string]any{"product_id": p.ID}, err)
		}
	}
	return len(products), nil
}
