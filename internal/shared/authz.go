package shared

// Permissions checked against a tenant scope.
const (
	PermLedgerView   = "ledger.view"
	PermLedgerPost   = "ledger.post"
	PermLedgerClose  = "ledger.close"
	PermLedgerConfig = "ledger.config"

	PermDocumentsIngest = "documents.ingest"
	PermReconcile       = "reconcile.apply"

	PermSyncTrigger = "sync.trigger"
	PermSyncManage  = "sync.manage"
)

// MemberScopes lists what every active member of a company may do.
func MemberScopes() []string {
	return []string{
		PermLedgerView,
		PermLedgerPost,
		PermDocumentsIngest,
		PermReconcile,
		PermSyncTrigger,
	}
}

// AdminScopes lists the member scopes plus the privileged operations.
func AdminScopes() []string {
	return append(MemberScopes(),
		PermLedgerClose,
		PermLedgerConfig,
		PermSyncManage,
	)
}
