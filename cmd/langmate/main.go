package main

import (
	"log"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
