// Package pnl computes trade profit/loss and splits it back across the
// contributors of an exposure snapshot.
//
// All monetary values use shopspring/decimal. P&L is carried at Scale
// decimal places; Split distributes the rounding residue with the
// largest-remainder method so the per-user amounts always add up to the
// rounded total exactly.
package pnl

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/model"
)

var (
	// ErrInvalidEntryPrice is returned when entry price <= 0.
	ErrInvalidEntryPrice = errors.New("pnl: entry price must be positive")

	// ErrInvalidSide is returned for a side other than BUY or SELL.
	ErrInvalidSide = errors.New("pnl: unknown side")

	// ErrUnknownPolicy is returned by ParseFailurePolicy.
	ErrUnknownPolicy = errors.New("pnl: unknown failed-buy policy")

	// Scale is the number of decimal places for P&L rounding.
	Scale int32 = 8

	// unit is the smallest representable P&L amount at Scale.
	unit = decimal.New(1, -Scale)
)

// Compute returns the P&L of a position of amount quote units opened at
// entry and closed at exit: (exit − entry) / entry × amount, negated for
// SELL, rounded to Scale places.
func Compute(amount, entry, exit decimal.Decimal, side model.Side) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, ErrInvalidEntryPrice
	}

	change := exit.Sub(entry).Div(entry)
	pnl := change.Mul(amount)

	switch side {
	case model.SideBuy:
	case model.SideSell:
		pnl = pnl.Neg()
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	return pnl.Round(Scale), nil
}

// Allocation is one contributor's part of a split.
type Allocation struct {
	UserID string          `json:"user_id"`
	Share  decimal.Decimal `json:"share"`
	PnL    decimal.Decimal `json:"pnl"`
}

// Credit is what the contributor's balance receives: principal plus P&L.
func (a Allocation) Credit() decimal.Decimal {
	return a.Share.Add(a.PnL)
}

// SplitResult is the outcome of Split.
type SplitResult struct {
	Allocations []Allocation    `json:"allocations"`
	Total       decimal.Decimal `json:"total"`   // rounded total P&L; Σ Allocations.PnL
	Residue     decimal.Decimal `json:"residue"` // amount handed out beyond the floored shares
}

// ResidueUnits is the residue in units of 10^-Scale.
func (r SplitResult) ResidueUnits() int64 {
	return r.Residue.Shift(Scale).IntPart()
}

// Split divides totalPnL across snapshot proportionally to each share.
//
// Every proportional amount is floored to Scale places; the units left over
// go one each to the contributors with the largest fractional remainders,
// ties broken by snapshot order. An empty snapshot, or one whose shares sum
// to zero or less, yields a result with no allocations.
func Split(snapshot []model.Contribution, totalPnL decimal.Decimal) SplitResult {
	target := totalPnL.Round(Scale)
	res := SplitResult{Total: target, Residue: decimal.Zero}

	totalShare := decimal.Zero
	for _, c := range snapshot {
		totalShare = totalShare.Add(c.Share)
	}
	if !totalShare.IsPositive() {
		res.Total = decimal.Zero
		return res
	}

	remainders := make([]decimal.Decimal, len(snapshot))
	res.Allocations = make([]Allocation, len(snapshot))
	floored := decimal.Zero
	for i, c := range snapshot {
		exact := target.Mul(c.Share).Div(totalShare)
		base := exact.RoundFloor(Scale)
		remainders[i] = exact.Sub(base)
		res.Allocations[i] = Allocation{UserID: c.UserID, Share: c.Share, PnL: base}
		floored = floored.Add(base)
	}

	res.Residue = target.Sub(floored)
	units := res.ResidueUnits()
	if units <= 0 {
		return res
	}

	order := make([]int, len(snapshot))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]].GreaterThan(remainders[order[b]])
	})
	for k := int64(0); k < units; k++ {
		i := order[k%int64(len(order))]
		res.Allocations[i].PnL = res.Allocations[i].PnL.Add(unit)
	}
	return res
}

// FailurePolicy decides what P&L a failed buy is settled with.
type FailurePolicy string

const (
	// PolicyRefund settles a failed buy at zero P&L: principal is returned.
	PolicyRefund FailurePolicy = "refund"

	// PolicyForfeit settles a failed buy as a total loss of the collected
	// amount, leaving contributors with nothing back.
	PolicyForfeit FailurePolicy = "forfeit"
)

// ParseFailurePolicy parses a policy name; empty means PolicyRefund.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyRefund, nil
	case PolicyRefund, PolicyForfeit:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// PnL returns the P&L to distribute for a failed buy of totalCollected.
func (p FailurePolicy) PnL(totalCollected decimal.Decimal) decimal.Decimal {
	if p == PolicyForfeit {
		return totalCollected.Neg()
	}
	return decimal.Zero
}
