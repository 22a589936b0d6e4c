package main

import (
	"log"

	"pairline/cmd/internal/app"
)

func main() {
	if err := app.RunClient(); err != nil {
		log.Fatal(err)
	}
}
