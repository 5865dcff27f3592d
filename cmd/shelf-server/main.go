package main

import (
	"fmt"
	"log"
	"os"

	"github.com/shelfhost/shelf"
)

func main() {
	configPath := os.Getenv("CONFIG")
	if configPath == "" && len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	if configPath == "" {
		configPath = "config.hcl"
	}

	config, err := shelf.LoadConfig(configPath)
	if err != nil {
		log.Panicf("Failed to load configuration from path '%s': %v", configPath, err)
	}

	// `shelf-server config.hcl token <user-id>` mints a signed token for the
	// given user, for handing to clients out of band.
	if len(os.Args) > 3 && os.Args[2] == "token" {
		auth := shelf.NewAuthenticator(config.HTTP.Secret, config.Admins)
		fmt.Println(auth.GenerateToken(os.Args[3]))
		return
	}

	server := shelf.NewServer(config)
	panic(server.Run())
}
