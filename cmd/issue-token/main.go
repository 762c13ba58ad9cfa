package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/service"
)

// issue-token signs a development JWT. Production tokens come from the
// identity provider that shares JWT_SECRET with the engine.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Development Token ===")

	if os.Getenv("JWT_SECRET") == "" {
		fmt.Print("JWT_SECRET is not set. Enter signing secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading secret")
			return
		}
		if len(secret) < 16 {
			fmt.Println("Error: Secret must be at least 16 characters")
			return
		}
		cfg.JWTSecret = string(secret)
	}

	userID, ok := promptUUID(reader, "Enter User ID (blank for random): ")
	if !ok {
		return
	}
	orgID, ok := promptUUID(reader, "Enter Organization ID (blank for random): ")
	if !ok {
		return
	}

	fmt.Print("Enter Role [student|proctor|admin] (default student): ")
	roleStr, _ := reader.ReadString('\n')
	role := service.Role(strings.TrimSpace(roleStr))
	switch role {
	case "":
		role = service.RoleStudent
	case service.RoleStudent, service.RoleProctor, service.RoleAdmin:
	default:
		fmt.Printf("Error: Unknown role %q\n", role)
		return
	}

	fmt.Print("Enter TTL in hours (default 8): ")
	ttlStr, _ := reader.ReadString('\n')
	ttlStr = strings.TrimSpace(ttlStr)
	ttlHours := 8
	if ttlStr != "" {
		p, err := strconv.Atoi(ttlStr)
		if err != nil || p <= 0 {
			fmt.Println("Error: TTL must be a positive number")
			return
		}
		ttlHours = p
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	token, err := authService.GenerateToken(userID, orgID, role, time.Duration(ttlHours)*time.Hour)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nUser:         %s\n", userID)
	fmt.Printf("Organization: %s\n", orgID)
	fmt.Printf("Role:         %s\n", role)
	fmt.Printf("Token:\n%s\n", token)
}

func promptUUID(reader *bufio.Reader, prompt string) (uuid.UUID, bool) {
	fmt.Print(prompt)
	raw, _ := reader.ReadString('\n')
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.New(), true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		fmt.Println("Error: Not a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
