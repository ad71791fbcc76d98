package ephemeral

// キー名の規約はこのファイルにのみ置く。emailは正規化済みの値を渡すこと。

// OTPKey はOTPコードのキーを返す。
func OTPKey(email string) string {
	return "otp:" + email
}

// AttemptsKey はOTP要求回数カウンターのキーを返す。
func AttemptsKey(email string) string {
	return "otp_attempts:" + email
}

// VerifiedKey はメール検証済みフラグのキーを返す。
func VerifiedKey(email string) string {
	return "verified:" + email
}

// UserCacheKey は/users/meレスポンス用ユーザーキャッシュのキーを返す。
func UserCacheKey(userID string) string {
	return "user:" + userID
}

// OAuthStateKey はOAuth認可フローのstateパラメータのキーを返す。
func OAuthStateKey(state string) string {
	return "oauth_state:" + state
}
