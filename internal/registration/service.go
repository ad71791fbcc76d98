// Package registration はOTPで保護されたメールアドレス登録フローを提供する。
// メールアドレスごとの状態は一時ストアに保持し、状態遷移はtransitionで判定する。
package registration

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/authgate/internal/ephemeral"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/otp"
	"github.com/hitoshi/authgate/internal/password"
	"github.com/hitoshi/authgate/internal/repository"
)

var tracer = otel.Tracer("github.com/hitoshi/authgate/internal/registration")

// UserStore は登録フローが使うユーザーリポジトリの操作。
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	CreateWithProfile(ctx context.Context, user *model.User) error
	UpdateProfile(ctx context.Context, user *model.User) error
}

// TokenIssuer はアクセス・リフレッシュトークンの組を発行する。
type TokenIssuer interface {
	Issue(user *model.User) (*model.TokenPair, error)
}

// PasswordHasher はパスワードをハッシュ化する。
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// Mailer はメール通知の送信口。
// SendNowは送信完了まで待ち、Enqueueはキューに積んで即座に戻る。
type Mailer interface {
	SendNow(ctx context.Context, msg notify.Message) error
	Enqueue(msg notify.Message) error
}

// TextCleaner は入力テキストからマークアップを除去する。
type TextCleaner interface {
	Clean(s string) string
}

// URLValidator はアバターURLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Config は登録フローの期限と上限。
type Config struct {
	OTPTTL      time.Duration // OTPの有効期間
	AttemptTTL  time.Duration // 試行回数カウンタの有効期間（加算のたびに延長）
	MaxAttempts int64         // 期間内に許可するOTP要求回数
	VerifiedTTL time.Duration // 検証済みフラグの有効期間
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		OTPTTL:      5 * time.Minute,
		AttemptTTL:  5 * time.Minute,
		MaxAttempts: 3,
		VerifiedTTL: 10 * time.Minute,
	}
}

// Deps はServiceの依存関係。
type Deps struct {
	Store       ephemeral.Store
	Users       UserStore
	Tokens      TokenIssuer
	Hasher      PasswordHasher
	Mailer      Mailer
	Metrics     metrics.MetricsCollector
	Cleaner     TextCleaner
	URLGuard    URLValidator
	Config      Config
	Now         func() time.Time
	GenerateOTP func() (string, error)
}

// Service は登録フローのビジネスロジックを提供する。
type Service struct {
	store    ephemeral.Store
	users    UserStore
	tokens   TokenIssuer
	hasher   PasswordHasher
	mailer   Mailer
	metrics  metrics.MetricsCollector
	cleaner  TextCleaner
	urlGuard URLValidator
	cfg      Config
	now      func() time.Time
	generate func() (string, error)
}

// NewService はServiceを生成する。
// Metrics、Now、GenerateOTPが未指定の場合は既定の実装を使う。
func NewService(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		users:    d.Users,
		tokens:   d.Tokens,
		hasher:   d.Hasher,
		mailer:   d.Mailer,
		metrics:  d.Metrics,
		cleaner:  d.Cleaner,
		urlGuard: d.URLGuard,
		cfg:      d.Config,
		now:      d.Now,
		generate: d.GenerateOTP,
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.generate == nil {
		s.generate = otp.New
	}
	if s.cfg == (Config{}) {
		s.cfg = DefaultConfig()
	}
	return s
}

// RequestOTP はOTPを発行し、メールで送信する。
// 試行回数カウンタが上限未満の場合だけ原子的に加算する。上限に達していれば
// カウンタもTTLも変えず、コードを書き込まずにRateLimitedを返す。
// コードはストアへ書き込んでから送信する。送信に失敗してもコードは残る。
func (s *Service) RequestOTP(ctx context.Context, email string) (err error) {
	email = model.NormalizeEmail(email)
	ctx, span := tracer.Start(ctx, "registration.RequestOTP")
	defer func() { endSpan(span, err) }()

	if err := validateEmail(email); err != nil {
		return err
	}

	attempts, accepted, err := s.store.IncrBelow(ctx, ephemeral.AttemptsKey(email), s.cfg.MaxAttempts, s.cfg.AttemptTTL)
	if err != nil {
		s.metrics.RecordOTPRequest(metrics.ResultError)
		return s.storeFailure("increment otp attempts", email, err)
	}
	span.SetAttributes(attribute.Int64("otp.attempts", attempts))
	if !accepted {
		s.metrics.RecordOTPRequest(metrics.ResultRateLimited)
		slog.Warn("otp request rate limited",
			slog.String("email", email),
			slog.Int64("attempts", attempts),
		)
		return model.NewRateLimitedError()
	}

	rec := Record{Email: email}
	if _, err := transition(rec.State(), EventRequestOTP); err != nil {
		return err
	}

	code, err := s.generate()
	if err != nil {
		s.metrics.RecordOTPRequest(metrics.ResultError)
		return fmt.Errorf("failed to generate otp: %w", err)
	}

	if err := s.store.Set(ctx, ephemeral.OTPKey(email), code, s.cfg.OTPTTL); err != nil {
		s.metrics.RecordOTPRequest(metrics.ResultError)
		return s.storeFailure("store otp", email, err)
	}

	if err := s.mailer.SendNow(ctx, notify.OTPMessage(email, code, s.cfg.OTPTTL)); err != nil {
		s.metrics.RecordOTPRequest(metrics.ResultDeliveryFailed)
		slog.Error("failed to deliver otp",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return model.NewDeliveryFailedError()
	}

	s.metrics.RecordOTPRequest(metrics.ResultSuccess)
	slog.Info("otp issued", slog.String("email", email))
	return nil
}

// VerifyOTP はOTPを検証する。
// 一致した場合は検証済みフラグを書き込み、OTPを削除する。
// 不一致の場合はOTPを残したままOTPMismatchを返す。試行回数カウンタは変更しない。
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (err error) {
	email = model.NormalizeEmail(email)
	ctx, span := tracer.Start(ctx, "registration.VerifyOTP")
	defer func() { endSpan(span, err) }()

	if err := validateEmail(email); err != nil {
		return err
	}
	if !otp.Valid(code) {
		s.metrics.RecordOTPVerify(metrics.ResultMismatch)
		return model.NewValidationError("otp_code must be 6 digits")
	}

	rec := Record{Email: email}
	if err := loadCode(ctx, s.store, &rec); err != nil {
		s.metrics.RecordOTPVerify(metrics.ResultError)
		return s.storeFailure("load otp", email, err)
	}
	if _, err := transition(rec.State(), EventVerifyOTP); err != nil {
		s.metrics.RecordOTPVerify(metrics.ResultNotFound)
		return model.NewOTPNotFoundError()
	}

	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		s.metrics.RecordOTPVerify(metrics.ResultMismatch)
		slog.Info("otp mismatch", slog.String("email", email))
		return model.NewOTPMismatchError()
	}

	if err := s.store.Set(ctx, ephemeral.VerifiedKey(email), "1", s.cfg.VerifiedTTL); err != nil {
		s.metrics.RecordOTPVerify(metrics.ResultError)
		return s.storeFailure("store verified flag", email, err)
	}
	if err := s.store.Delete(ctx, ephemeral.OTPKey(email)); err != nil {
		s.metrics.RecordOTPVerify(metrics.ResultError)
		return s.storeFailure("delete otp", email, err)
	}

	s.metrics.RecordOTPVerify(metrics.ResultSuccess)
	slog.Info("email verified", slog.String("email", email))
	return nil
}

// RegisterInput は登録リクエストの入力値。
type RegisterInput struct {
	Email           string
	Username        string
	Password        string
	PasswordConfirm string
}

// RegisterResult は登録結果。
type RegisterResult struct {
	User   *model.User
	Tokens *model.TokenPair
}

// Register は検証済みのメールアドレスでユーザーを作成し、トークンを発行する。
// ユーザーとプロフィールは同一トランザクションで作成される。
// 同一メールアドレスの同時登録は一意制約によりDuplicateEmailとなる。
func (s *Service) Register(ctx context.Context, in RegisterInput) (res *RegisterResult, err error) {
	email := model.NormalizeEmail(in.Email)
	username := s.cleaner.Clean(in.Username)
	ctx, span := tracer.Start(ctx, "registration.Register")
	defer func() { endSpan(span, err) }()

	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if username == "" {
		return nil, model.NewValidationError("username is required")
	}
	if in.Password != in.PasswordConfirm {
		s.metrics.RecordRegistration(metrics.ResultInvalid)
		return nil, model.NewPasswordMismatchError()
	}
	if err := password.Validate(in.Password, email, username); err != nil {
		s.metrics.RecordRegistration(metrics.ResultInvalid)
		return nil, model.NewWeakPasswordError(err.Error())
	}

	rec := Record{Email: email}
	if err := loadVerified(ctx, s.store, &rec); err != nil {
		s.metrics.RecordRegistration(metrics.ResultError)
		return nil, s.storeFailure("load verified flag", email, err)
	}
	if _, err := transition(rec.State(), EventRegister); err != nil {
		s.metrics.RecordRegistration(metrics.ResultNotVerified)
		return nil, model.NewNotVerifiedError()
	}

	// 登録済みかどうかは検証済みの呼び出し元にだけ明かす
	exists, err := s.users.ExistsByEmail(ctx, email)
	if err != nil {
		s.metrics.RecordRegistration(metrics.ResultError)
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		s.metrics.RecordRegistration(metrics.ResultDuplicate)
		return nil, model.NewDuplicateEmailError()
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		s.metrics.RecordRegistration(metrics.ResultError)
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := model.NewUser(uuid.New().String(), email, username, hash, s.now())
	if err := s.users.CreateWithProfile(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			s.metrics.RecordRegistration(metrics.ResultDuplicate)
			return nil, model.NewDuplicateEmailError()
		case errors.Is(err, repository.ErrDuplicateUsername):
			s.metrics.RecordRegistration(metrics.ResultDuplicate)
			return nil, model.NewDuplicateUsernameError()
		}
		s.metrics.RecordRegistration(metrics.ResultError)
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	// ユーザー作成後の失敗は登録自体を失敗させない
	if err := s.store.Delete(ctx, ephemeral.VerifiedKey(email)); err != nil {
		slog.Warn("failed to consume verified flag",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
	}
	if err := s.mailer.Enqueue(notify.WelcomeMessage(email, username)); err != nil {
		slog.Warn("failed to enqueue welcome mail",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	tokens, err := s.tokens.Issue(user)
	if err != nil {
		s.metrics.RecordRegistration(metrics.ResultError)
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	s.metrics.RecordRegistration(metrics.ResultSuccess)
	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("email", email),
	)
	return &RegisterResult{User: user, Tokens: tokens}, nil
}

// CompleteProfile はプロフィールの必須項目を設定する。
// 氏名・都市・国は空白除去後に必須、生年月日は今日より前でなければならない。
// 更新後のユーザーを読み直して返す。
func (s *Service) CompleteProfile(ctx context.Context, userID string, in model.ProfileInput) (user *model.User, err error) {
	ctx, span := tracer.Start(ctx, "registration.CompleteProfile",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer func() { endSpan(span, err) }()

	in.FirstName = s.cleaner.Clean(in.FirstName)
	in.LastName = s.cleaner.Clean(in.LastName)
	in.City = s.cleaner.Clean(in.City)
	in.Country = s.cleaner.Clean(in.Country)

	required := validation.Errors{
		"first_name": validation.Validate(in.FirstName, validation.Required),
		"last_name":  validation.Validate(in.LastName, validation.Required),
		"city":       validation.Validate(in.City, validation.Required),
		"country":    validation.Validate(in.Country, validation.Required),
	}
	if err := required.Filter(); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	if in.DateBirth.IsZero() {
		return nil, model.NewValidationError("date_birth is required")
	}
	if !dateOnly(in.DateBirth).Before(dateOnly(s.now())) {
		return nil, model.NewInvalidBirthDateError()
	}

	if in.Avatar != nil {
		avatar := strings.TrimSpace(*in.Avatar)
		if avatar != "" {
			if err := s.urlGuard.ValidateURL(avatar); err != nil {
				return nil, model.NewValidationError("avatar: " + err.Error())
			}
		}
		in.Avatar = &avatar
	}

	current, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if current == nil {
		return nil, model.NewUserNotFoundError()
	}

	model.MergeProfile(current, in, s.now())
	if err := s.users.UpdateProfile(ctx, current); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, model.NewUserNotFoundError()
		}
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	if err := s.store.Delete(ctx, ephemeral.UserCacheKey(userID)); err != nil {
		slog.Warn("failed to invalidate user cache",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	updated, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}
	if updated == nil {
		return nil, model.NewUserNotFoundError()
	}

	slog.Info("profile completed", slog.String("user_id", userID))
	return updated, nil
}

// storeFailure は一時ストアの障害をログに残し、UpstreamFailureに変換する。
func (s *Service) storeFailure(op, email string, err error) error {
	slog.Error("ephemeral store failure",
		slog.String("op", op),
		slog.String("email", email),
		slog.String("error", err.Error()),
	)
	return model.NewUpstreamFailureError("Verification store unavailable")
}

func validateEmail(email string) error {
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return model.NewValidationError("email: " + err.Error())
	}
	return nil
}

// dateOnly は時刻をUTCの日付に切り詰める。
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
