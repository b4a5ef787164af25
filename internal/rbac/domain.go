package rbac

import "github.com/studioledger/studioledger/internal/shared"

// Permission represents an atomic capability.
type Permission struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var catalogue = []Permission{
	{Name: shared.PermLedgerView, Description: "Read ledger documents, payments and periods"},
	{Name: shared.PermLedgerEdit, Description: "Create, send, cancel and pay ledger documents"},
	{Name: shared.PermPeriodClose, Description: "Close accounting periods and post journal adjustments"},
	{Name: shared.PermPeriodReopen, Description: "Reopen closed accounting periods"},
	{Name: shared.PermPortalView, Description: "Read own documents through the client portal"},
}
