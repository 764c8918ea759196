package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomedesk/tome/internal/gate"
	"github.com/tomedesk/tome/internal/license"
)

var licenseTierFlag string

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "License key utilities",
}

var licenseGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an activation key for the given tier",
	Run: func(cmd *cobra.Command, args []string) {
		if secret := os.Getenv("TOME_LICENSE_SECRET"); secret != "" {
			license.SetSigningSecret(secret)
		}

		tier := gate.Tier(licenseTierFlag)
		key, err := license.GenerateKey(tier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(key)
	},
}

func init() {
	licenseGenerateCmd.Flags().StringVar(&licenseTierFlag, "tier", "pro", "license tier (pro or team)")
	licenseCmd.AddCommand(licenseGenerateCmd)
}
