package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/ephemeral"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/password"
	"github.com/hitoshi/authgate/internal/registration"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/security"
	"github.com/hitoshi/authgate/internal/token"
	"github.com/hitoshi/authgate/internal/user"
)

// --- インメモリ実装 ---

type memoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: make(map[string]*model.User)}
}

func cloneUser(u *model.User) *model.User {
	c := *u
	if u.Profile != nil {
		p := *u.Profile
		c.Profile = &p
	}
	return &c
}

func (r *memoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return cloneUser(u), nil
	}
	return nil, nil
}

func (r *memoryUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

func (r *memoryUserRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	u, err := r.FindByEmail(ctx, email)
	return u != nil, err
}

func (r *memoryUserRepo) CreateWithProfile(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == u.Email {
			return repository.ErrDuplicateEmail
		}
		if existing.Username == u.Username {
			return repository.ErrDuplicateUsername
		}
	}
	r.users[u.ID] = cloneUser(u)
	return nil
}

func (r *memoryUserRepo) put(u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.ID]; !ok {
		return repository.ErrUserNotFound
	}
	for id, existing := range r.users {
		if id != u.ID && existing.Username == u.Username {
			return repository.ErrDuplicateUsername
		}
	}
	r.users[u.ID] = cloneUser(u)
	return nil
}

func (r *memoryUserRepo) UpdateProfile(_ context.Context, u *model.User) error { return r.put(u) }

func (r *memoryUserRepo) UpdateUser(_ context.Context, u *model.User) error { return r.put(u) }

func (r *memoryUserRepo) UpdatePassword(_ context.Context, id, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (r *memoryUserRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return repository.ErrUserNotFound
	}
	delete(r.users, id)
	return nil
}

type memoryRevokedRepo struct {
	mu   sync.Mutex
	jtis map[string]struct{}
}

func (r *memoryRevokedRepo) Revoke(_ context.Context, t *model.RevokedToken) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jtis[t.JTI]; ok {
		return false, nil
	}
	r.jtis[t.JTI] = struct{}{}
	return true, nil
}

func (r *memoryRevokedRepo) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jtis[jti]
	return ok, nil
}

// capturingSender は送信されたメールを保持する。
type capturingSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (s *capturingSender) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

var otpPattern = regexp.MustCompile(`verification code is: (\d{6})`)

// lastOTP は指定アドレス宛ての最新のOTPを返す。
func (s *capturingSender) lastOTP(t *testing.T, to string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		msg := s.sent[i]
		if msg.Kind != notify.KindOTP || msg.To != to {
			continue
		}
		if m := otpPattern.FindStringSubmatch(msg.Body); m != nil {
			return m[1]
		}
	}
	t.Fatalf("no otp mail sent to %s", to)
	return ""
}

// --- テスト環境 ---

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	router http.Handler
	sender *capturingSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := ephemeral.NewMemoryStore(ephemeral.WithSweepInterval(0))
	t.Cleanup(store.Stop)

	users := newMemoryUserRepo()
	revoked := &memoryRevokedRepo{jtis: make(map[string]struct{})}
	issuer := token.NewIssuer(token.Config{
		Secret:     []byte("integration-test-secret-0123456789"),
		Issuer:     "authgate-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	hasher := password.NewHasher(bcrypt.MinCost)
	sanitizer := security.NewTextSanitizer()
	guard := security.NewURLGuard()

	sender := &capturingSender{}
	dispatcher := notify.NewDispatcher(sender, metrics.Nop{}, slogDiscard(), notify.DispatcherConfig{Workers: 1, QueueSize: 10})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Stop(ctx)
	})

	regSvc := registration.NewService(registration.Deps{
		Store:    store,
		Users:    users,
		Tokens:   issuer,
		Hasher:   hasher,
		Mailer:   dispatcher,
		Cleaner:  sanitizer,
		URLGuard: guard,
		Config:   registration.DefaultConfig(),
	})
	authSvc := auth.NewService(auth.Deps{
		Users:    users,
		Revoked:  revoked,
		Tokens:   issuer,
		Hasher:   hasher,
		Store:    store,
		URLGuard: guard,
	})
	userSvc := user.NewService(users, store, sanitizer, user.DefaultCacheTTL)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		PublicRate:      middleware.PerMinute(6000),
		PublicBurst:     1000,
		UserRate:        middleware.PerMinute(6000),
		UserBurst:       1000,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)

	return &testEnv{
		router: NewRouter(&RouterDeps{
			Authenticator:       authSvc,
			RateLimiter:         rl,
			RegistrationService: regSvc,
			AuthService:         authSvc,
			UserService:         userSvc,
		}),
		sender: sender,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body, accessToken string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = jsonRequest(method, path, body)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type tokensBody struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func decodeTokens(t *testing.T, w *httptest.ResponseRecorder) (string, tokensBody) {
	t.Helper()
	var body struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Tokens tokensBody `json:"tokens"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Tokens.Access == "" || body.Tokens.Refresh == "" {
		t.Fatalf("tokens missing in response")
	}
	return body.User.ID, body.Tokens
}

const strongPassword = "Tr4il!Mountain"

// verifyEmail はOTPを要求し、届いたコードで検証する。
func (e *testEnv) verifyEmail(t *testing.T, email string) {
	t.Helper()

	w := e.do(t, http.MethodPost, "/otp/request", `{"email":"`+email+`"}`, "")
	assertStatus(t, w, http.StatusOK)

	code := e.sender.lastOTP(t, model.NormalizeEmail(email))
	w = e.do(t, http.MethodPost, "/otp/verify", `{"email":"`+email+`","otp_code":"`+code+`"}`, "")
	assertStatus(t, w, http.StatusOK)
}

// registerUser はOTP要求から登録までを実行し、ユーザーIDとトークンを返す。
func (e *testEnv) registerUser(t *testing.T, email, username string) (string, tokensBody) {
	t.Helper()
	e.verifyEmail(t, email)

	w := e.do(t, http.MethodPost, "/register",
		`{"email":"`+email+`","username":"`+username+`","password":"`+strongPassword+`","password_confirm":"`+strongPassword+`"}`, "")
	assertStatus(t, w, http.StatusCreated)
	return decodeTokens(t, w)
}

// --- シナリオ ---

func TestIntegration_RegistrationFlow(t *testing.T) {
	env := newTestEnv(t)

	userID, tokens := env.registerUser(t, "Alice@Example.com", "alice")
	if userID == "" {
		t.Fatal("user id missing")
	}

	t.Run("duplicate registration is rejected", func(t *testing.T) {
		env.verifyEmail(t, "alice@example.com")
		w := env.do(t, http.MethodPost, "/register",
			`{"email":"alice@example.com","username":"alice2","password":"`+strongPassword+`","password_confirm":"`+strongPassword+`"}`, "")
		assertStatus(t, w, http.StatusBadRequest)
		if body := decodeError(t, w); body.Code != model.ErrCodeConflict {
			t.Errorf("code = %q, want %q", body.Code, model.ErrCodeConflict)
		}
	})

	t.Run("profile starts incomplete", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/profile/status", "", tokens.Access)
		assertStatus(t, w, http.StatusOK)
		if body := decodeMap(t, w); body["profile_complete"] != false {
			t.Errorf("profile_complete = %v", body["profile_complete"])
		}
	})

	t.Run("me returns the normalized email", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/users/me", "", tokens.Access)
		assertStatus(t, w, http.StatusOK)
		body := decodeMap(t, w)
		if body["email"] != "alice@example.com" {
			t.Errorf("email = %v", body["email"])
		}
	})

	t.Run("complete profile", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/profile/complete",
			`{"first_name":"Alice","last_name":"Smith","city":"Osaka","country":"Japan","date_birth":"1990-05-17"}`, tokens.Access)
		assertStatus(t, w, http.StatusOK)

		w = env.do(t, http.MethodGet, "/users/me", "", tokens.Access)
		assertStatus(t, w, http.StatusOK)
		if body := decodeMap(t, w); body["first_name"] != "Alice" {
			t.Errorf("cached user not invalidated: first_name = %v", body["first_name"])
		}
	})

	t.Run("future birth date is rejected", func(t *testing.T) {
		future := time.Now().AddDate(1, 0, 0).Format(dateLayout)
		w := env.do(t, http.MethodPost, "/profile/complete",
			`{"first_name":"Alice","last_name":"Smith","city":"Osaka","country":"Japan","date_birth":"`+future+`"}`, tokens.Access)
		assertStatus(t, w, http.StatusBadRequest)
		if body := decodeError(t, w); body.Code != model.ErrCodeInvalidBirthDate {
			t.Errorf("code = %q", body.Code)
		}
	})

	t.Run("login then logout revokes refresh token", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/login", `{"email":"alice@example.com","password":"`+strongPassword+`"}`, "")
		assertStatus(t, w, http.StatusOK)
		_, login := decodeTokens(t, w)

		w = env.do(t, http.MethodPost, "/logout", `{"refresh":"`+login.Refresh+`"}`, login.Access)
		assertStatus(t, w, http.StatusOK)

		w = env.do(t, http.MethodPost, "/token/refresh", `{"refresh":"`+login.Refresh+`"}`, "")
		assertStatus(t, w, http.StatusUnauthorized)
	})

	t.Run("refresh rotates once", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/token/refresh", `{"refresh":"`+tokens.Refresh+`"}`, "")
		assertStatus(t, w, http.StatusOK)

		w = env.do(t, http.MethodPost, "/token/refresh", `{"refresh":"`+tokens.Refresh+`"}`, "")
		assertStatus(t, w, http.StatusUnauthorized)
	})

	t.Run("wrong password", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/login", `{"email":"alice@example.com","password":"nope-nope"}`, "")
		assertStatus(t, w, http.StatusBadRequest)
		if body := decodeError(t, w); body.Code != model.ErrCodeInvalidCredentials {
			t.Errorf("code = %q", body.Code)
		}
	})
}

func TestIntegration_OTPErrors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("verify without request", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/otp/verify", `{"email":"nobody@example.com","otp_code":"123456"}`, "")
		assertStatus(t, w, http.StatusNotFound)
		if body := decodeError(t, w); body.Code != model.ErrCodeNotFoundOrExpired {
			t.Errorf("code = %q", body.Code)
		}
	})

	t.Run("register without verification", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/register",
			`{"email":"carol@example.com","username":"carol","password":"`+strongPassword+`","password_confirm":"`+strongPassword+`"}`, "")
		assertStatus(t, w, http.StatusBadRequest)
		if body := decodeError(t, w); body.Code != model.ErrCodeNotVerified {
			t.Errorf("code = %q", body.Code)
		}
	})

	t.Run("mismatch keeps the code", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/otp/request", `{"email":"dave@example.com"}`, "")
		assertStatus(t, w, http.StatusOK)
		code := env.sender.lastOTP(t, "dave@example.com")
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}

		w = env.do(t, http.MethodPost, "/otp/verify", `{"email":"dave@example.com","otp_code":"`+wrong+`"}`, "")
		assertStatus(t, w, http.StatusBadRequest)
		if body := decodeError(t, w); body.Code != model.ErrCodeOTPMismatch {
			t.Errorf("code = %q", body.Code)
		}

		w = env.do(t, http.MethodPost, "/otp/verify", `{"email":"dave@example.com","otp_code":"`+code+`"}`, "")
		assertStatus(t, w, http.StatusOK)
	})

	t.Run("fourth request is rate limited", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			w := env.do(t, http.MethodPost, "/otp/request", `{"email":"bob@example.com"}`, "")
			assertStatus(t, w, http.StatusOK)
		}
		w := env.do(t, http.MethodPost, "/otp/request", `{"email":"bob@example.com"}`, "")
		assertStatus(t, w, http.StatusTooManyRequests)
		if body := decodeError(t, w); body.Code != model.ErrCodeRateLimited {
			t.Errorf("code = %q", body.Code)
		}
	})
}

func TestIntegration_AccountManagement(t *testing.T) {
	env := newTestEnv(t)
	aliceID, alice := env.registerUser(t, "alice@example.com", "alice")
	bobID, bob := env.registerUser(t, "bob@example.com", "bob")

	t.Run("cannot update another account", func(t *testing.T) {
		w := env.do(t, http.MethodPatch, "/users/"+bobID, `{"username":"mallory"}`, alice.Access)
		assertStatus(t, w, http.StatusForbidden)
	})

	t.Run("username must stay unique", func(t *testing.T) {
		w := env.do(t, http.MethodPatch, "/users/"+aliceID, `{"username":"bob"}`, alice.Access)
		assertStatus(t, w, http.StatusBadRequest)
		if body := decodeError(t, w); body.Code != model.ErrCodeConflict {
			t.Errorf("code = %q", body.Code)
		}
	})

	t.Run("change password", func(t *testing.T) {
		newPassword := "Quiet#Harbor42"
		w := env.do(t, http.MethodPost, "/password/change",
			`{"old_password":"`+strongPassword+`","new_password":"`+newPassword+`","confirm_new_password":"`+newPassword+`"}`, bob.Access)
		assertStatus(t, w, http.StatusOK)

		w = env.do(t, http.MethodPost, "/login", `{"email":"bob@example.com","password":"`+newPassword+`"}`, "")
		assertStatus(t, w, http.StatusOK)
	})

	t.Run("withdraw", func(t *testing.T) {
		w := env.do(t, http.MethodDelete, "/users/"+aliceID, "", alice.Access)
		assertStatus(t, w, http.StatusNoContent)

		w = env.do(t, http.MethodGet, "/users/me", "", alice.Access)
		assertStatus(t, w, http.StatusNotFound)

		w = env.do(t, http.MethodPost, "/login", `{"email":"alice@example.com","password":"`+strongPassword+`"}`, "")
		assertStatus(t, w, http.StatusBadRequest)
	})

	t.Run("logout with someone else's refresh token", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/logout", `{"refresh":"`+alice.Refresh+`"}`, bob.Access)
		assertStatus(t, w, http.StatusBadRequest)
		if body := decodeError(t, w); !strings.Contains(body.Error, "does not belong") {
			t.Errorf("error = %q", body.Error)
		}
	})
}
