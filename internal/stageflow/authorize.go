package stageflow

// Dashboard roles. Only the supervisor may advance a batch through a stage.
const (
	RoleSupervisor     = "supervisor"
	RoleManager        = "manager"
	RoleProductionHead = "production_head"
	RoleOperator       = "operator"
	RoleQuality        = "quality"
	RoleRMStore        = "rm_store"
	RolePackingZone    = "packing_zone"
)

// Roles lists every known dashboard role.
var Roles = []string{
	RoleSupervisor,
	RoleManager,
	RoleProductionHead,
	RoleOperator,
	RoleQuality,
	RoleRMStore,
	RolePackingZone,
}

// CanStart reports whether role may start a stage in status st.
func CanStart(st Status, role string) bool {
	return st == StatusAvailable && role == RoleSupervisor
}

// CanComplete reports whether role may complete a stage in status st.
func CanComplete(st Status, role string) bool {
	return st == StatusInProgress && role == RoleSupervisor
}
