package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/payments"
	"github.com/safar/go-storefront/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v80"
	"go.uber.org/zap"
)

// --- auth ---

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := store.RegisterUser(r.Context(), s.db, req.Email, req.Name, req.Password)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.signIn(w, r, user)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := store.AuthenticateUser(r.Context(), s.db, req.Email, req.Password)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.signIn(w, r, user)
}

// signIn issues a token and hands any anonymous cart over to the account.
func (s *server) signIn(w http.ResponseWriter, r *http.Request, user *models.User) {
	token, err := s.tokens.Issue(user)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	if sessionCartID := identityFrom(r.Context()).SessionCartID; sessionCartID != "" {
		if err := store.MergeOnSignIn(r.Context(), s.db, sessionCartID, user.ID); err != nil {
			s.logger.Error("merge cart on sign-in failed",
				zap.Int64("user_id", user.ID),
				zap.Error(err))
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

func (s *server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := store.GetUser(r.Context(), s.db, identityFrom(r.Context()).UserID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (s *server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := store.UpdateUserProfile(r.Context(), s.db, identityFrom(r.Context()).UserID, req.Name, req.Address)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// --- catalog ---

func (s *server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	result, err := store.ListProducts(r.Context(), s.db, r.URL.Query().Get("query"), page, pageSize)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := store.GetProductBySlug(r.Context(), s.db, chi.URLParam(r, "slug"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (s *server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeProductInput(w, r)
	if !ok {
		return
	}

	product, err := store.CreateProduct(r.Context(), s.db, input)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, product)
}

func (s *server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product ID")
		return
	}
	version, _ := strconv.Atoi(r.URL.Query().Get("version"))

	input, ok := decodeProductInput(w, r)
	if !ok {
		return
	}

	product, err := store.UpdateProduct(r.Context(), s.db, id, input, version)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (s *server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product ID")
		return
	}

	if err := store.DeleteProduct(r.Context(), s.db, id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeProductInput(w http.ResponseWriter, r *http.Request) (store.ProductInput, bool) {
	var req struct {
		Slug        string `json:"slug"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Image       string `json:"image"`
		Price       string `json:"price"`
		Stock       int    `json:"stock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return store.ProductInput{}, false
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil || price.IsNegative() {
		respondError(w, http.StatusBadRequest, "invalid price")
		return store.ProductInput{}, false
	}

	return store.ProductInput{
		Slug:        req.Slug,
		Name:        req.Name,
		Description: req.Description,
		Image:       req.Image,
		Price:       price,
		Stock:       req.Stock,
	}, true
}

// --- reviews ---

func (s *server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	product, err := store.GetProductBySlug(r.Context(), s.db, chi.URLParam(r, "slug"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	reviews, err := store.ListReviews(r.Context(), s.db, product.ID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": reviews})
}

func (s *server) handleUpsertReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Rating      int    `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		respondError(w, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}

	product, err := store.GetProductBySlug(r.Context(), s.db, chi.URLParam(r, "slug"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	review, err := store.UpsertReview(r.Context(), s.db, store.UpsertReviewRequest{
		UserID:      identityFrom(r.Context()).UserID,
		ProductID:   product.ID,
		Title:       req.Title,
		Description: req.Description,
		Rating:      req.Rating,
	})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, review)
}

// --- cart ---

func (s *server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := store.GetCart(r.Context(), s.db, identityFrom(r.Context()).cartOwner())
	if errors.Is(err, database.ErrCartNotFound) {
		respondJSON(w, http.StatusOK, &models.Cart{Items: []models.CartItem{}})
		return
	}
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (s *server) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID int64 `json:"product_id"`
		Quantity  int   `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Line snapshot comes from the catalog, never from the client.
	product, err := store.GetProduct(r.Context(), s.db, req.ProductID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	cart, err := store.AddItem(r.Context(), s.db, s.pricing, identityFrom(r.Context()).cartOwner(), models.CartItem{
		ProductID: product.ID,
		Name:      product.Name,
		Slug:      product.Slug,
		Image:     product.Image,
		Price:     product.Price,
		Quantity:  req.Quantity,
	})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (s *server) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product ID")
		return
	}

	cart, err := store.RemoveItem(r.Context(), s.db, s.pricing, identityFrom(r.Context()).cartOwner(), productID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// --- orders ---

func (s *server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShippingAddress string `json:"shipping_address"`
		PaymentMethod   string `json:"payment_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := store.PlaceOrder(r.Context(), s.db, s.pricing, store.PlaceOrderRequest{
		UserID:          identityFrom(r.Context()).UserID,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	response := map[string]interface{}{"order": order}
	if req.PaymentMethod == "stripe" && s.stripe != nil {
		intentID, err := s.stripe.CreatePaymentIntent(order)
		if err != nil {
			s.logger.Error("create payment intent failed",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		} else {
			response["payment_intent_id"] = intentID
		}
	}

	respondJSON(w, http.StatusCreated, response)
}

func (s *server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	result, err := store.ListOrdersCursor(r.Context(), s.db, identityFrom(r.Context()).UserID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	order, err := store.GetOrder(r.Context(), s.db, id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	caller := identityFrom(r.Context())
	if order.UserID != caller.UserID && caller.Role != models.RoleAdmin {
		respondError(w, http.StatusNotFound, database.ErrOrderNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// --- admin ---

func (s *server) handleAdminListOrders(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	result, err := store.ListAllOrders(r.Context(), s.db, page, pageSize)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *server) handleAdminDeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	if err := store.DeleteOrder(r.Context(), s.db, id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	result, err := store.ListUsers(r.Context(), s.db, page, pageSize)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *server) handleAdminSetUserRole(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role != models.RoleUser && req.Role != models.RoleAdmin {
		respondError(w, http.StatusBadRequest, "unknown role")
		return
	}

	user, err := store.SetUserRole(r.Context(), s.db, id, req.Role)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (s *server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	if err := store.DeleteUser(r.Context(), s.db, id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- webhooks ---

// handleStripeWebhook verifies the event signature and applies confirmed
// payments to orders. Delivery is at least once: duplicates and already-paid
// orders are acknowledged with 200 so Stripe stops redelivering.
func (s *server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := s.stripe.ParseWebhook(r)
	if err != nil {
		s.logger.Warn("stripe webhook signature verification failed", zap.Error(err))
		respondError(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	if event.Type != "payment_intent.succeeded" {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		s.logger.Error("unmarshal payment intent failed",
			zap.String("event_id", event.ID),
			zap.Error(err))
		respondError(w, http.StatusBadRequest, "invalid payment intent payload")
		return
	}

	orderID, err := strconv.ParseInt(pi.Metadata["order_id"], 10, 64)
	if err != nil {
		s.logger.Warn("payment intent missing order_id metadata",
			zap.String("payment_intent_id", pi.ID))
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	order, err := store.MarkPaid(r.Context(), s.db, orderID, payments.PaymentResultFromIntent(&pi))
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			// Nothing to apply this to; acknowledging stops the retries.
			s.logger.Error("payment confirmation for unknown order",
				zap.Int64("order_id", orderID),
				zap.String("payment_intent_id", pi.ID))
			respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		s.respondStoreError(w, err)
		return
	}

	s.logger.Info("order paid",
		zap.Int64("order_id", order.ID),
		zap.String("payment_intent_id", pi.ID))
	respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// --- helpers ---

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func (s *server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrCartNotFound),
		errors.Is(err, database.ErrItemNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrReviewNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrAuthenticationRequired),
		errors.Is(err, database.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, database.ErrOutOfStock),
		errors.Is(err, database.ErrEmailTaken),
		errors.Is(err, database.ErrOptimisticLockFailed):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, database.ErrEmptyCart):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrStorageUnavailable):
		respondError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
