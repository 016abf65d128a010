package main

import (
	_ "embed"

	"github.com/joho/godotenv"

	"github.com/fanrelay/fanrelay/cmd"
)

//go:embed etc/fanrelay.yaml
var defaultConfig []byte

func main() {
	// Optional .env for local development; missing file is fine.
	godotenv.Load()
	cmd.Execute(defaultConfig)
}
