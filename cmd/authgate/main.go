// Command authgate はOTPによるメール確認を伴うユーザー登録と認証のAPIサーバー。
//
// 使い方:
//
//	authgate [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/authgate/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "authgate: %v\n", err)
		os.Exit(1)
	}
}
