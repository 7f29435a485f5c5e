package main

import (
	"fmt"
	"os"
	"time"

	jwtpkg "pickup/mediator/internal/auth/jwt"
	"pickup/mediator/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: admin-token <subject> [admin|ingress]")
		os.Exit(1)
	}
	subject := os.Args[1]
	kind := "admin"
	if len(os.Args) >= 3 {
		kind = os.Args[2]
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var (
		manager *jwtpkg.Manager
		scope   string
	)
	switch kind {
	case "admin":
		if cfg.Admin.JWTSecret == "" {
			fmt.Println("admin.jwt_secret is not set, the admin API is disabled")
			os.Exit(1)
		}
		manager = jwtpkg.NewManager(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.JWTExpiry)
		scope = jwtpkg.ScopeAdmin
	case "ingress":
		// 上游运行时使用，持有者可以代任意发送方 verkey 提交协议消息
		manager = jwtpkg.NewManager(cfg.Ingress.JWTSecret, cfg.Ingress.JWTIssuer, cfg.Ingress.JWTExpiry)
		scope = jwtpkg.ScopeIngress
	default:
		fmt.Printf("Unknown token kind %q, expected admin or ingress\n", kind)
		os.Exit(1)
	}

	token, err := manager.IssueScoped(subject, scope)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Token issued\n")
	fmt.Printf("  Subject:  %s\n", subject)
	fmt.Printf("  Scope:    %s\n", scope)
	fmt.Printf("  Expires:  %s\n", token.ExpiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println(token.AccessToken)
}
