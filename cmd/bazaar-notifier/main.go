package main

import (
	"log"

	"bazaar/cmd/internal/app"
)

func main() {
	if err := app.RunNotifier(); err != nil {
		log.Fatal(err)
	}
}
