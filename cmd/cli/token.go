package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"shepherd/internal/config"

	"github.com/spf13/cobra"
)

var (
	flagChurchID int
	flagMemberID int
	flagRole     string
	flagTTLMin   int
	flagNoExpiry bool
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		secret := cfg.JWT.Secret
		if secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		if flagChurchID <= 0 {
			return fmt.Errorf("--church is required")
		}

		now := time.Now()
		payload := map[string]interface{}{
			"iat":       now.Unix(),
			"church_id": flagChurchID,
		}
		if flagMemberID > 0 {
			payload["member_id"] = flagMemberID
			payload["sub"] = fmt.Sprintf("%d", flagMemberID)
		}
		if flagRole != "" {
			payload["role"] = flagRole
		}
		if !flagNoExpiry {
			ttl := time.Duration(flagTTLMin) * time.Minute
			if ttl <= 0 {
				ttl = cfg.JWT.ExpiresIn
			}
			payload["exp"] = now.Add(ttl).Unix()
		}

		token, err := signHS256(payload, secret)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func signHS256(payload map[string]interface{}, secret string) (string, error) {
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(headerB64 + "." + payloadB64))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return headerB64 + "." + payloadB64 + "." + sig, nil
}

func init() {
	tokenCmd.Flags().IntVar(&flagChurchID, "church", 0, "church (tenant) ID for the token")
	tokenCmd.Flags().IntVar(&flagMemberID, "member", 0, "member ID for the token")
	tokenCmd.Flags().StringVar(&flagRole, "role", "", "role claim (member, team_lead, pastor, admin)")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 0, "token lifetime in minutes (default from config)")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-expiry", false, "omit the exp claim")
	rootCmd.AddCommand(tokenCmd)
}
