package main

import (
	"log"

	"github.com/burrowd/burrow/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ burrow failed to start: %v", err)
	}
}
