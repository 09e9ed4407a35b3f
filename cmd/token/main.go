package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"newsletter/config"
	"newsletter/pkg/rbac"
	"newsletter/pkg/util"
)

// 为运营人员签发 JWT，用于调用 /admin 接口
func main() {
	userFlag := flag.String("user", "", "operator user id (uuid); a new one is generated when empty")
	roleFlag := flag.String("role", rbac.RoleOperator, "operator or admin")
	ttlFlag := flag.Duration("ttl", 0, "token lifetime; defaults to jwt.ttl from config")
	flag.Parse()

	if !rbac.ValidRole(*roleFlag) {
		fmt.Fprintf(os.Stderr, "unknown -role %q\n", *roleFlag)
		os.Exit(2)
	}

	cfg := config.Load()

	userID := uuid.New()
	if *userFlag != "" {
		id, err := uuid.Parse(*userFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -user: %v\n", err)
			os.Exit(2)
		}
		userID = id
	}

	ttl := cfg.JWT.TTL
	if *ttlFlag > 0 {
		ttl = *ttlFlag
	}

	token, err := util.GenerateJWT(util.Identity{UserID: userID, Role: *roleFlag}, cfg.JWT.Secret, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "user_id=%s role=%s expires_in=%s\n", userID, *roleFlag, ttl)
	fmt.Println(token)
}
