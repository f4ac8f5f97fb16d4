// Command socialauth はソーシャルプラットフォーム連携の認証情報サービスを起動する。
//
// 使い方:
//
//	socialauth [serve|worker|sweep|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/socialauth/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "socialauth: %v\n", err)
		os.Exit(1)
	}
}
