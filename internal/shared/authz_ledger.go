package shared

// Ledger permissions declared for role based access.
const (
	PermLedgerView   = "ledger.view"
	PermLedgerEdit   = "ledger.edit"
	PermPeriodClose  = "ledger.period.close"
	PermPeriodReopen = "ledger.period.reopen"
	PermPortalView   = "ledger.portal.view"
)

// LedgerScopes lists all permissions related to the ledger module.
func LedgerScopes() []string {
	return []string{
		PermLedgerView,
		PermLedgerEdit,
		PermPeriodClose,
		PermPeriodReopen,
		PermPortalView,
	}
}

// RolePermissions returns the permissions granted to a role.
func RolePermissions(role Role) []string {
	switch role {
	case RoleAdmin:
		return LedgerScopes()
	case RoleAccountant:
		return []string{PermLedgerView, PermLedgerEdit, PermPeriodClose, PermPortalView}
	case RoleClient:
		return []string{PermPortalView}
	default:
		return nil
	}
}
