package main

import (
	"log"

	"payline/gateway/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("gateway failed: %v", err)
	}
}
