package main

import (
	"log"

	"pairline/cmd/internal/app"
)

func main() {
	if err := app.RunRelay(); err != nil {
		log.Fatal(err)
	}
}
