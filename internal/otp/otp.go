// Package otp はメール検証用のワンタイムコードを生成する。
package otp

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// Length はOTPコードの桁数。
const Length = 6

var upper = big.NewInt(1_000_000)

// Generate はrから一様に選んだ6桁の数字文字列を返す。先頭の0は保持される。
func Generate(r io.Reader) (string, error) {
	n, err := rand.Int(r, upper)
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", Length, n.Int64()), nil
}

// New はcrypto/randを乱数源としてOTPコードを生成する。
func New() (string, error) {
	return Generate(rand.Reader)
}

// Valid はcodeが6桁の数字のみで構成されているかを判定する。
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
