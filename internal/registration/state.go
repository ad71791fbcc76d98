package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/authgate/internal/ephemeral"
)

// State はメールアドレスごとの登録フローの状態。
type State int

const (
	// StateNoOTP はOTP未発行、または期限切れの状態。
	StateNoOTP State = iota
	// StateOTPIssued はOTPを発行済みで検証待ちの状態。
	StateOTPIssued
	// StateVerified はOTP検証が完了し、登録を受け付けられる状態。
	StateVerified
	// StateRegistered はユーザーが作成された状態。一時データはすべて消費済み。
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateNoOTP:
		return "no_otp"
	case StateOTPIssued:
		return "otp_issued"
	case StateVerified:
		return "verified"
	case StateRegistered:
		return "registered"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event は状態遷移を起こす操作。
type Event int

const (
	EventRequestOTP Event = iota
	EventVerifyOTP
	EventRegister
)

func (e Event) String() string {
	switch e {
	case EventRequestOTP:
		return "request_otp"
	case EventVerifyOTP:
		return "verify_otp"
	case EventRegister:
		return "register"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var (
	errNoOTP       = errors.New("registration: no otp issued")
	errNotVerified = errors.New("registration: email not verified")
)

// Record はストアから読み出したメールアドレスごとの一時データのスナップショット。
// 各操作は自分の前提条件に必要なキーだけを読み出す。
type Record struct {
	Email    string
	Code     string // 空ならOTP未発行または期限切れ
	Verified bool
}

// State はRecordが表す状態を返す。
func (r Record) State() State {
	switch {
	case r.Code != "":
		return StateOTPIssued
	case r.Verified:
		return StateVerified
	default:
		return StateNoOTP
	}
}

// transition は現在の状態とイベントから遷移先を決める。
// 許可されない遷移はエラーを返す。
//
//	any       --request_otp--> OTPIssued (既存コードは上書き)
//	OTPIssued --verify_otp---> Verified
//	Verified  --register-----> Registered
func transition(from State, ev Event) (State, error) {
	switch ev {
	case EventRequestOTP:
		return StateOTPIssued, nil
	case EventVerifyOTP:
		if from == StateOTPIssued {
			return StateVerified, nil
		}
		return from, errNoOTP
	case EventRegister:
		if from == StateVerified {
			return StateRegistered, nil
		}
		return from, errNotVerified
	}
	return from, fmt.Errorf("registration: unknown event %s", ev)
}

// loadCode はOTPコードを読み出してRecordに設定する。
func loadCode(ctx context.Context, store ephemeral.Store, rec *Record) error {
	code, err := store.Get(ctx, ephemeral.OTPKey(rec.Email))
	switch {
	case err == nil:
		rec.Code = code
	case !errors.Is(err, ephemeral.ErrNotFound):
		return err
	}
	return nil
}

// loadVerified は検証済みフラグを読み出してRecordに設定する。
func loadVerified(ctx context.Context, store ephemeral.Store, rec *Record) error {
	_, err := store.Get(ctx, ephemeral.VerifiedKey(rec.Email))
	switch {
	case err == nil:
		rec.Verified = true
	case !errors.Is(err, ephemeral.ErrNotFound):
		return err
	}
	return nil
}
