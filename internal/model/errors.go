package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// Codeはエラー種別、CategoryはHTTPステータスへの対応付けに使う分類。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, rate_limit, not_found, conflict, auth, forbidden, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryRateLimit  = "rate_limit"
	CategoryNotFound   = "not_found"
	CategoryConflict   = "conflict"
	CategoryAuth       = "auth"
	CategoryForbidden  = "forbidden"
	CategoryUpstream   = "upstream"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeNotFoundOrExpired  = "NOT_FOUND_OR_EXPIRED"
	ErrCodeOTPMismatch        = "OTP_MISMATCH"
	ErrCodeNotVerified        = "NOT_VERIFIED"
	ErrCodePasswordMismatch   = "PASSWORD_MISMATCH"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeInvalidBirthDate   = "INVALID_BIRTH_DATE"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountDisabled    = "ACCOUNT_DISABLED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeDeliveryFailed     = "DELIVERY_FAILED"
	ErrCodeUpstreamFailure    = "UPSTREAM_FAILURE"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: CategoryValidation,
		Action:   "Check the request fields and try again.",
	}
}

// NewRateLimitedError はOTP要求回数の上限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many attempts",
		Category: CategoryRateLimit,
		Action:   "Wait a few minutes before requesting a new code.",
	}
}

// NewOTPNotFoundError はOTPが未発行または期限切れの場合のエラーを生成する。
func NewOTPNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFoundOrExpired,
		Message:  "OTP expired or not found",
		Category: CategoryNotFound,
		Action:   "Request a new code.",
	}
}

// NewOTPMismatchError はOTPが一致しない場合のエラーを生成する。
// OTPレコードは削除されないため、期限内であれば再試行できる。
func NewOTPMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeOTPMismatch,
		Message:  "Incorrect OTP",
		Category: CategoryValidation,
		Action:   "Check the code in the email and try again.",
	}
}

// NewNotVerifiedError はメール認証が完了していない場合のエラーを生成する。
func NewNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotVerified,
		Message:  "Please verify your email first",
		Category: CategoryValidation,
		Action:   "Request and verify an OTP before registering.",
	}
}

// NewPasswordMismatchError はパスワードと確認用パスワードが一致しない場合のエラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "Passwords must match",
		Category: CategoryValidation,
		Action:   "Enter the same password twice.",
	}
}

// NewWeakPasswordError はパスワード強度ポリシー違反のエラーを生成する。
func NewWeakPasswordError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  reason,
		Category: CategoryValidation,
		Action:   "Choose a longer, less common password.",
	}
}

// NewInvalidBirthDateError は生年月日が今日以降の場合のエラーを生成する。
func NewInvalidBirthDateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBirthDate,
		Message:  "Date of birth must be in the past",
		Category: CategoryValidation,
		Action:   "Enter a date before today.",
	}
}

// NewDuplicateEmailError はメールアドレスが既に登録済みの場合のエラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "Email already exists",
		Category: CategoryConflict,
		Action:   "Log in with the existing account.",
	}
}

// NewDuplicateUsernameError はユーザー名が既に使われている場合のエラーを生成する。
func NewDuplicateUsernameError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "Username already exists",
		Category: CategoryConflict,
		Action:   "Choose a different username.",
	}
}

// NewInvalidCredentialsError はログイン認証失敗のエラーを生成する。
// メール未登録とパスワード不一致を区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password",
		Category: CategoryValidation,
		Action:   "Check your email and password.",
	}
}

// NewAccountDisabledError は無効化されたアカウントのエラーを生成する。
func NewAccountDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountDisabled,
		Message:  "Your account is disabled",
		Category: CategoryValidation,
		Action:   "Contact support.",
	}
}

// NewUnauthorizedError はトークン不正・期限切れのエラーを生成する。
func NewUnauthorizedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  message,
		Category: CategoryAuth,
		Action:   "Log in again.",
	}
}

// NewForbiddenError は他アカウントへの操作エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "You can only update your own account",
		Category: CategoryForbidden,
		Action:   "Use your own account ID.",
	}
}

// NewDeliveryFailedError はOTPメール送信失敗のエラーを生成する。
// OTPは保存済みのため、再送をリクエストできる。
func NewDeliveryFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeDeliveryFailed,
		Message:  "Failed to send OTP email",
		Category: CategoryUpstream,
		Action:   "Try again in a moment.",
	}
}

// NewUpstreamFailureError は外部依存（キャッシュ、OAuthプロバイダー等）の障害エラーを生成する。
func NewUpstreamFailureError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailure,
		Message:  message,
		Category: CategoryUpstream,
		Action:   "Try again in a moment.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: CategoryAuth,
		Action:   "Log in again.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Internal server error",
		Category: CategorySystem,
		Action:   "Try again in a moment.",
	}
}
