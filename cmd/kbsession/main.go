package main

import (
	"log"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
