package notify

import (
	"fmt"
	"time"
)

// OTPMessage は検証コード通知メールを組み立てる。
func OTPMessage(to, code string, ttl time.Duration) Message {
	return Message{
		Kind:    KindOTP,
		To:      to,
		Subject: "Your verification code",
		Body: fmt.Sprintf(
			"Your verification code is: %s\n\nThis code expires in %d minutes. If you did not request it, you can ignore this email.\n",
			code, int(ttl.Minutes()),
		),
	}
}

// WelcomeMessage は登録完了メールを組み立てる。
func WelcomeMessage(to, username string) Message {
	return Message{
		Kind:    KindWelcome,
		To:      to,
		Subject: "Welcome!",
		Body: fmt.Sprintf(
			"Hi %s,\n\nYour account has been created. Complete your profile to get started.\n",
			username,
		),
	}
}
