package shared

import "fmt"

// LedgerLockKey builds the redis key serialising ledger writes of a company.
func LedgerLockKey(companyID int64) string {
	return fmt.Sprintf("ledger:company:%d:lock", companyID)
}

// SyncTaskID builds the asynq task id for a company-scoped sync workflow.
func SyncTaskID(kind string, companyID int64) string {
	return fmt.Sprintf("%s:%d", kind, companyID)
}
