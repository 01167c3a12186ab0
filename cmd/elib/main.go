// Command elib runs the digital library REST server.
package main

import (
	"context"
	"log"

	"github.com/patric-chuzhbe/elib/internal/app"
)

func main() {
	ctx := context.Background()

	theApp, err := app.New(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer theApp.Close()

	if err := theApp.Run(ctx); err != nil {
		log.Println(err)
	}
}
