package stubserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"grepud/internal/models"

	"golang.org/x/crypto/bcrypt"
)

var (
	errUserExists     = errors.New("user with this email or username already exists")
	errUserNotFound   = errors.New("user not found")
	errBadCredentials = errors.New("invalid email or password")
	errUnverified     = errors.New("account not verified, check your email")
	errCodeExpired    = errors.New("verification code expired")
	errCodeWrong      = errors.New("invalid verification code")
	errOrderNotFound  = errors.New("order not found")
	errAlreadyPaid    = errors.New("order already paid")
	errAmountMismatch = errors.New("amount does not match order price")
	errTokenInvalid   = errors.New("invalid token")
	errTokenReuse     = errors.New("token reuse detected")
	errTokenExpired   = errors.New("token expired")
)

const (
	otpTTL        = 15 * time.Minute
	refreshTTL    = 28 * 24 * time.Hour
	refreshMaxTTL = 90 * 24 * time.Hour
)

type user struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Verified     bool
}

type otp struct {
	Code      string
	ExpiresAt time.Time
}

type refreshRecord struct {
	UserID            int64
	DeviceID          string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
	Revoked           bool
}

type storedOrder struct {
	models.Order
	UserID int64
}

// store is the in-memory state behind both fake services.
type store struct {
	mu         sync.Mutex
	now        func() time.Time
	bcryptCost int
	newOTP     func() (string, error)

	users      map[int64]*user
	nextUserID int64
	otps       map[string]otp
	refresh    map[string]*refreshRecord

	orders      map[string]*storedOrder
	nextOrderID int64
	// idempotent replies keyed by user id + Idempotency-Key
	replies map[string]any
}

func newStore(bcryptCost int, now func() time.Time, newOTP func() (string, error)) *store {
	if newOTP == nil {
		newOTP = generateOTP
	}
	return &store{
		now:         now,
		bcryptCost:  bcryptCost,
		newOTP:      newOTP,
		users:       make(map[int64]*user),
		nextUserID:  1,
		otps:        make(map[string]otp),
		refresh:     make(map[string]*refreshRecord),
		orders:      make(map[string]*storedOrder),
		nextOrderID: 1,
		replies:     make(map[string]any),
	}
}

func (s *store) register(req models.RegisterRequest) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, req.Email) || u.Username == req.Username {
			return "", errUserExists
		}
	}

	u := &user{
		ID:           s.nextUserID,
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hashed),
	}

	code, err := s.newOTP()
	if err != nil {
		return "", err
	}
	s.users[u.ID] = u
	s.nextUserID++
	s.otps[strings.ToLower(req.Email)] = otp{Code: code, ExpiresAt: s.now().Add(otpTTL)}
	return code, nil
}

func (s *store) verify(email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(email)
	pending, ok := s.otps[key]
	if !ok || s.now().After(pending.ExpiresAt) {
		delete(s.otps, key)
		return errCodeExpired
	}
	if pending.Code != code {
		return errCodeWrong
	}

	u := s.userByEmailLocked(email)
	if u == nil {
		return errUserNotFound
	}
	u.Verified = true
	delete(s.otps, key)
	return nil
}

func (s *store) authenticate(email, password string) (*user, error) {
	s.mu.Lock()
	found := s.userByEmailLocked(email)
	var u user
	if found != nil {
		u = *found
	}
	s.mu.Unlock()

	if found == nil {
		return nil, errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, errBadCredentials
	}
	if !u.Verified {
		return nil, errUnverified
	}
	return &u, nil
}

func (s *store) userByEmailLocked(email string) *user {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u
		}
	}
	return nil
}

func (s *store) userByID(id int64) (user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return user{}, false
	}
	return *u, true
}

func (s *store) otp(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.otps[strings.ToLower(email)]
	return o.Code, ok
}

func (s *store) issueRefresh(userID int64, deviceID string) (string, error) {
	raw, err := randomHex(32)
	if err != nil {
		return "", err
	}
	now := s.now()

	s.mu.Lock()
	s.refresh[hashToken(raw)] = &refreshRecord{
		UserID:            userID,
		DeviceID:          deviceID,
		ExpiresAt:         now.Add(refreshTTL),
		AbsoluteExpiresAt: now.Add(refreshMaxTTL),
	}
	s.mu.Unlock()
	return raw, nil
}

// rotateRefresh revokes raw and issues its successor. Presenting a revoked
// token again revokes every token of that user.
func (s *store) rotateRefresh(raw string) (int64, string, error) {
	next, err := randomHex(32)
	if err != nil {
		return 0, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refresh[hashToken(raw)]
	if !ok {
		return 0, "", errTokenInvalid
	}
	if rec.Revoked {
		for _, r := range s.refresh {
			if r.UserID == rec.UserID {
				r.Revoked = true
			}
		}
		return 0, "", errTokenReuse
	}
	now := s.now()
	if now.After(rec.ExpiresAt) || now.After(rec.AbsoluteExpiresAt) {
		return 0, "", errTokenExpired
	}

	rec.Revoked = true
	s.refresh[hashToken(next)] = &refreshRecord{
		UserID:            rec.UserID,
		DeviceID:          rec.DeviceID,
		ExpiresAt:         now.Add(refreshTTL),
		AbsoluteExpiresAt: rec.AbsoluteExpiresAt,
	}
	return rec.UserID, next, nil
}

func (s *store) revokeRefresh(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.refresh[hashToken(raw)]; ok {
		rec.Revoked = true
	}
}

func (s *store) createOrder(userID int64, req models.CreateOrderRequest, idemKey string) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	rk := replyKey(userID, "create", idemKey)
	if prev, ok := s.replies[rk]; ok && idemKey != "" {
		return prev.(models.Order)
	}

	o := &storedOrder{
		Order: models.Order{
			ID:     strconv.FormatInt(s.nextOrderID, 10),
			Item:   req.Item,
			Price:  req.Price,
			Status: models.OrderStatusPending,
		},
		UserID: userID,
	}
	s.orders[o.ID] = o
	s.nextOrderID++

	if idemKey != "" {
		s.replies[rk] = o.Order
	}
	return o.Order
}

// listOrders returns nil when the user has none, which encodes as JSON null
// just like the real order service.
func (s *store) listOrders(userID int64) []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o.Order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ID, 10, 64)
		return a < b
	})
	return out
}

func (s *store) pay(userID int64, req models.PaymentRequest, idemKey string) (models.PaymentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rk := replyKey(userID, "pay", idemKey)
	if prev, ok := s.replies[rk]; ok && idemKey != "" {
		return prev.(models.PaymentResponse), nil
	}

	o, ok := s.orders[req.OrderID]
	if !ok || o.UserID != userID {
		return models.PaymentResponse{}, errOrderNotFound
	}
	if o.Status == models.OrderStatusPaid {
		return models.PaymentResponse{}, errAlreadyPaid
	}
	if req.Amount != o.Price {
		return models.PaymentResponse{}, errAmountMismatch
	}

	o.Status = models.OrderStatusPaid
	resp := models.PaymentResponse{Message: "Payment Successful", OrderID: o.ID}
	if idemKey != "" {
		s.replies[rk] = resp
	}
	return resp, nil
}

func replyKey(userID int64, action, key string) string {
	return strconv.FormatInt(userID, 10) + ":" + action + ":" + key
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return strconv.FormatInt(100000+n.Int64(), 10), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
