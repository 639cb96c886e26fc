// Package export writes the points ledger as an Excel workbook for finance.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/fly2any/referral-engine/referral"
)

const (
	TransactionsSheet = "Transactions"
	BalancesSheet     = "Balances"

	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02 15:04:05"
)

var transactionHeaders = []string{
	"Transaction ID", "Booking ID", "Earner ID", "Customer ID", "Level", "Product",
	"Booking Amount", "Currency", "Rate", "Multiplier", "Points Calculated", "Points Awarded",
	"Status", "Trip Start", "Trip End", "Created At", "Unlocked At", "Cancelled", "Refunded",
}

var balanceHeaders = []string{
	"User ID", "Email", "Referral Code", "Level", "Direct Referrals", "Network Size",
	"Available", "Locked", "Lifetime", "Redeemed",
}

// Workbook builds the ledger workbook: one row per grant, plus a sheet with
// every user's cached balances.
func Workbook(users []referral.User, txs []referral.PointsTransaction) (*excelize.File, error) {
	f := excelize.NewFile()

	if _, err := f.NewSheet(TransactionsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(BalancesSheet); err != nil {
		return nil, err
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	index, err := f.GetSheetIndex(TransactionsSheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)

	if err := writeHeader(f, TransactionsSheet, transactionHeaders); err != nil {
		return nil, err
	}
	for i, tx := range txs {
		row := []any{
			string(tx.ID), tx.BookingID, string(tx.EarnerID), string(tx.CustomerID), tx.Level, string(tx.ProductType),
			tx.BookingAmount.InexactFloat64(), tx.Currency, tx.PointsRate, tx.ProductMultiplier.InexactFloat64(),
			tx.PointsCalculated, tx.PointsAwarded,
			string(tx.Status), tx.TripStartDate.Format(dateLayout), tx.TripEndDate.Format(dateLayout),
			tx.CreatedAt.Format(timeLayout), formatOptional(tx.PointsUnlockedAt), tx.TripCancelled, tx.TripRefunded,
		}
		if err := writeRow(f, TransactionsSheet, i+2, row); err != nil {
			return nil, err
		}
	}

	if err := writeHeader(f, BalancesSheet, balanceHeaders); err != nil {
		return nil, err
	}
	for i, u := range users {
		row := []any{
			string(u.ID), u.Email, u.ReferralCode, u.ReferralLevel, u.DirectReferrals, u.NetworkSize,
			u.Balances.Available, u.Balances.Locked, u.Balances.Lifetime, u.Balances.Redeemed,
		}
		if err := writeRow(f, BalancesSheet, i+2, row); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Write streams the workbook to w.
func Write(w io.Writer, users []referral.User, txs []referral.PointsTransaction) error {
	f, err := Workbook(users, txs)
	if err != nil {
		return fmt.Errorf("failed to build workbook: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// FileName is the attachment name for an export taken at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("referral_ledger_%s.xlsx", t.Format("20060102_150405"))
}

func writeHeader(f *excelize.File, sheet string, headers []string) error {
	row := make([]any, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	return writeRow(f, sheet, 1, row)
}

func writeRow(f *excelize.File, sheet string, rowIndex int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowIndex)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}
