package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tanpawarit/Chative-Shopping-Assistant/cmd"
	_ "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/logger/autoload"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
