package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
)

// quoteResult is printed by the quote command
type quoteResult struct {
	Valid               bool               `json:"valid"`
	RemainingDeductible decimal.Decimal    `json:"remaining_deductible"`
	Split               coverage.CostSplit `json:"split"`
}

func quoteCmd() *cobra.Command {
	var policyFile, amount, asOf string

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Split a charge against a policy read from a JSON file, without a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if policyFile != "-" {
				f, err := os.Open(policyFile)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runQuote(in, cmd.OutOrStdout(), amount, asOf)
		},
	}

	cmd.Flags().StringVarP(&policyFile, "policy", "p", "-", "policy JSON file, - for stdin")
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "charge amount")
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation date YYYY-MM-DD, default today")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func runQuote(in io.Reader, out io.Writer, amount, asOf string) error {
	var p coverage.Policy
	if err := json.NewDecoder(in).Decode(&p); err != nil {
		return fmt.Errorf("decode policy: %w", err)
	}
	if p.Currency == "" {
		p.Currency = "MXN"
	}
	if err := p.Validate(); err != nil {
		return err
	}

	charge, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}

	day := time.Now()
	if asOf != "" {
		if day, err = time.Parse("2006-01-02", asOf); err != nil {
			return fmt.Errorf("as-of: %w", err)
		}
	}

	split, err := coverage.CalculatePatientCost(p, charge, day)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(quoteResult{
		Valid:               coverage.IsValid(p, day),
		RemainingDeductible: coverage.RemainingDeductible(p),
		Split:               split,
	})
}
