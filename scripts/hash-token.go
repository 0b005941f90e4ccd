package main

import (
	"fmt"
	"os"

	"github.com/openclaw/wa-session-broker/internal/util"
)

// Prints a bcrypt hash for OPS_TOKEN_HASH. Without an argument a fresh
// random token is generated and printed first.
func main() {
	var token string
	switch len(os.Args) {
	case 1:
		generated, err := util.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		token = generated
		fmt.Printf("token: %s\n", token)
	case 2:
		token = os.Args[1]
	default:
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-token.go [token]\n")
		os.Exit(1)
	}

	hash, err := util.HashSecret(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}
