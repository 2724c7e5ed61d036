package auth

// Capabilities the pipeline itself checks. Business capabilities
// ("inventory.view", "sales.refund", ...) are owned by the screens using them.
const (
	PermUsersManage      = "users.manage"
	PermUsersImpersonate = "users.impersonate"
	PermBranchesBypass   = "branches.bypass"
)
