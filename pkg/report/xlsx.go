// Package report renders ledger data as spreadsheets for back-office use.
package report

import (
	"fmt"
	"io"

	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/xuri/excelize/v2"
)

const PayoutSheet = "Payouts"

var payoutHeaders = []string{"Payout ID", "Repayment ID", "Agreement ID", "Created", "Payout", "Fee", "Credit", "Net", "Status"}

// WritePayoutStatement writes one row per payout of the funding followed by a
// totals row.
func WritePayoutStatement(w io.Writer, funding *models.Funding, payouts []*models.Payout) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(PayoutSheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to drop default sheet: %w", err)
	}

	if err := f.SetCellValue(PayoutSheet, "A1", "Funding"); err != nil {
		return err
	}
	if err := f.SetCellValue(PayoutSheet, "B1", funding.ID.String()); err != nil {
		return err
	}
	for i, header := range payoutHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 3)
		if err := f.SetCellValue(PayoutSheet, cell, header); err != nil {
			return err
		}
	}

	var total, fees, credits, net money.Amount
	row := 4
	for _, p := range payouts {
		status := "SETTLED"
		if p.Pending {
			status = "PENDING"
		}
		values := []any{
			p.ID.String(), p.RepaymentID.String(), p.AgreementID.String(),
			p.CreatedDate.Format("2006-01-02"),
			p.PayoutAmount.Decimal().InexactFloat64(),
			p.FeeAmount.Decimal().InexactFloat64(),
			p.CreditAmount.Decimal().InexactFloat64(),
			p.NetAmount().Decimal().InexactFloat64(),
			status,
		}
		if err := f.SetSheetRow(PayoutSheet, fmt.Sprintf("A%d", row), &values); err != nil {
			return fmt.Errorf("failed to write payout %s: %w", p.ID, err)
		}
		total += p.PayoutAmount
		fees += p.FeeAmount
		credits += p.CreditAmount
		net += p.NetAmount()
		row++
	}

	totals := []any{
		"Total", "", "", "",
		total.Decimal().InexactFloat64(),
		fees.Decimal().InexactFloat64(),
		credits.Decimal().InexactFloat64(),
		net.Decimal().InexactFloat64(),
	}
	if err := f.SetSheetRow(PayoutSheet, fmt.Sprintf("A%d", row), &totals); err != nil {
		return fmt.Errorf("failed to write totals: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
