package main

import (
	"os"

	"github.com/nuetzliches/peeklock/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
