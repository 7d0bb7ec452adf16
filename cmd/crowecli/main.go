package main

import (
	"context"
	"fmt"
	"os"

	"crowecli/internal/app"
)

func main() {
	application, err := app.NewApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "crowecli: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	err = application.Run(ctx, os.Args[1:])
	application.Close(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crowecli: %v\n", err)
		os.Exit(1)
	}
}
