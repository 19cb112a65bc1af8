package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWriterTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-writer-token <wallet>",
		Short: "Mint a token that authorizes writes for a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, err := ledger.NewWalletAddress(args[0])
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("peer.signing_secret")),
				TokenTTL:      viper.GetDuration("token.ttl"),
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueWriterToken(wallet.String())
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
}

func newSignBlacklistCommand() *cobra.Command {
	var (
		entryType  string
		values     []string
		privateKey string
	)
	cmd := &cobra.Command{
		Use:   "sign-blacklist",
		Short: "Sign a blacklist mutation with the operator key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKey), "0x"))
			if err != nil {
				return fmt.Errorf("parse private key: %w", err)
			}
			parsedType, err := blacklist.NewEntryType(entryType)
			if err != nil {
				return err
			}
			mutation := blacklist.Mutation{
				Type:      string(parsedType),
				Values:    values,
				Timestamp: time.Now().Unix(),
			}
			if mutation.Signature, err = blacklist.Sign(key, mutation); err != nil {
				return err
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(mutation)
		},
	}
	cmd.Flags().StringVar(&entryType, "type", "", "Entry type (USER, TRACK or CID)")
	cmd.Flags().StringSliceVar(&values, "values", nil, "Ids or CIDs to include")
	cmd.Flags().StringVar(&privateKey, "private-key", os.Getenv("CONTENT_NODE_BLACKLIST_PRIVATE_KEY"), "Operator private key in hex")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("values")
	return cmd
}
