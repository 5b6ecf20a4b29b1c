package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/coachpo/strategos/internal/numeric"
)

// toNumeric converts d into a pgtype.Numeric at the engine scale.
func toNumeric(d decimal.Decimal) pgtype.Numeric {
	var out pgtype.Numeric
	// Scan of a canonical decimal string cannot fail.
	_ = out.Scan(numeric.Format(d))
	return out
}

// toNullNumeric converts an optional decimal into a nullable numeric.
func toNullNumeric(d decimal.NullDecimal) pgtype.Numeric {
	if !d.Valid {
		return pgtype.Numeric{}
	}
	return toNumeric(d.Decimal)
}

// parseDecimal reads a numeric column selected as ::text.
func parseDecimal(column, value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", column, trimmed, err)
	}
	return numeric.Round(d), nil
}

func parseNullDecimal(column string, value *string) (decimal.NullDecimal, error) {
	if value == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(column, *value)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

// decimalScanner collects ::text numeric columns and parses them after Scan.
type decimalScanner struct {
	targets []*decimalTarget
}

type decimalTarget struct {
	column string
	raw    string
	dst    *decimal.Decimal
}

func (s *decimalScanner) field(column string, dst *decimal.Decimal) *string {
	t := &decimalTarget{column: column, dst: dst}
	s.targets = append(s.targets, t)
	return &t.raw
}

func (s *decimalScanner) resolve() error {
	for _, t := range s.targets {
		d, err := parseDecimal(t.column, t.raw)
		if err != nil {
			return err
		}
		*t.dst = d
	}
	return nil
}
