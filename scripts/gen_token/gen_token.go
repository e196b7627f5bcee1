package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

// Mints a JWT accepted by the broker's auth middleware, for wiring up a
// gateway or testing the browser endpoints without the identity service.
func main() {
	godotenv.Load()

	userID := flag.String("user", "", "user id to embed in the token (required)")
	email := flag.String("email", "", "email claim (optional)")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HMAC signing secret (defaults to JWT_SECRET)")
	expiry := flag.Duration("expiry", 30*24*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" {
		flag.Usage()
		log.Fatal("missing -user")
	}
	if *secret == "" {
		log.Fatal("missing signing secret: set JWT_SECRET or pass -secret")
	}

	claims := jwt.MapClaims{
		"user_id": *userID,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(*expiry).Unix(),
	}
	if *email != "" {
		claims["email"] = *email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(*secret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}

	fmt.Println(signed)
}
