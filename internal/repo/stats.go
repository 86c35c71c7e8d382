// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the ledger
// used for the balance summary.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/deepdive-relay/internal/domain"
)

// LedgerStats returns aggregate metadata for an account's ledger: number of
// debit entries and the total amount they consumed. Grants (reason "grant")
// are excluded so that consumed reflects only metered usage.
func LedgerStats(ctx context.Context, db *gorm.DB, accountID string) (debits int64, consumed int64, err error) {
	q := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("account_id = ? AND reason <> ?", accountID, domain.ReasonGrant)

	if err = q.Count(&debits).Error; err != nil {
		return 0, 0, err
	}
	if debits == 0 {
		return 0, 0, nil
	}

	var row struct {
		Total int64
	}
	if err = q.Select("COALESCE(SUM(amount), 0) AS total").Scan(&row).Error; err != nil {
		return 0, 0, err
	}
	return debits, row.Total, nil
}
