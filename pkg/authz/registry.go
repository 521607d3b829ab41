package authz

const (
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
	RoleAnonymous  = "anonymous"
)

const (
	ActionRead     = "read"
	ActionMutate   = "mutate"
	ActionAdmin    = "admin"
	ActionOverride = "override"
)

const (
	ObjectTreeNodes  = "tree.nodes"
	ObjectTreeAudit  = "tree.audit"
	ObjectTreeUnions = "tree.unions"
)
