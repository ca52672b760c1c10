// exam-bridgectl — утилита оператора Exam Bridge:
// миграции, маппинги предметов, идентичности, ручное управление
// артефактами и очередью повторов.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/bigkaa/goartstore/exam-bridge/internal/cli"
)

func main() {
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ошибка:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
