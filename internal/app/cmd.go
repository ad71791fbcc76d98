package app

import (
	"fmt"
	"sort"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。引数省略時の既定。
	CommandServe Command = "serve"
	// CommandWorker は失効トークンのクリーンアップを定期実行する。
	CommandWorker Command = "worker"
	// CommandMigrate は未適用のマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの/healthを叩いて終了する。distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はos.Args[1:]の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServe、未知のサブコマンドはエラーを返す。2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 || args[0] == "" {
		return CommandServe, nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return "", fmt.Errorf("unknown command %q (usage: authgate [%s])", args[0], strings.Join(commandNames(), "|"))
	}
	return cmd, nil
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
