package main

import (
	"context"
	"fmt"
	"os"

	"github.com/EducatedBernie/Converge/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "converge:", err)
		os.Exit(cli.ExitCode(err))
	}
}
