package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/reclaimapp/messenger/internal/engine"
	"github.com/reclaimapp/messenger/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		engine.Module(engine.Params{Profile: profile}),
	)

	app.Run()
}
