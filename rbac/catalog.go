package rbac

import (
	"time"
)

// DataAccess is the widest data scope a role may reach.
type DataAccess string

const (
	DataAccessOwn          DataAccess = "own"
	DataAccessDepartment   DataAccess = "department"
	DataAccessOrganization DataAccess = "organization"
	DataAccessAll          DataAccess = "all"
)

// Permission grants an action on a resource, optionally constrained by conditions.
type Permission struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Resource    string      `json:"resource"`
	Action      string      `json:"action"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Description string      `json:"description"`
}

// Role is a named, ranked bundle of permissions. Lower hierarchy values are
// more privileged.
type Role struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Permissions   []string      `json:"permissions"`
	Hierarchy     int           `json:"hierarchy"`
	MaxDataAccess DataAccess    `json:"max_data_access"`
	Restrictions  []Restriction `json:"restrictions,omitempty"`
}

// Role ids seeded at startup
const (
	RoleSuperAdmin      = "super_admin"
	RoleMedicalDirector = "medical_director"
	RolePhysician       = "physician"
	RoleNurse           = "nurse"
	RoleTechnician      = "technician"
	RolePatient         = "patient"
	RoleGuest           = "guest"
)

var ownerOnly = []Condition{{Kind: ConditionOwner}}

// DefaultPermissions returns the permission catalog in registration order.
func DefaultPermissions() []Permission {
	return []Permission{
		{ID: "exam:read:own", Name: "Read own exams", Resource: "exam", Action: "read", Conditions: ownerOnly,
			Description: "View only the requester's own medical exams"},
		{ID: "exam:write:own", Name: "Write own exams", Resource: "exam", Action: "write", Conditions: ownerOnly,
			Description: "Create and edit only the requester's own exams"},
		{ID: "exam:delete:own", Name: "Delete own exams", Resource: "exam", Action: "delete", Conditions: ownerOnly,
			Description: "Delete only the requester's own exams"},
		{ID: "exam:read:department", Name: "Read department exams", Resource: "exam", Action: "read",
			Conditions:  []Condition{{Kind: ConditionDepartment}},
			Description: "View exams of patients in the requester's department"},
		{ID: "exam:read:all", Name: "Read all exams", Resource: "exam", Action: "read",
			Description: "View every exam in the system"},

		{ID: "health_metrics:read:own", Name: "Read own health metrics", Resource: "health_metrics", Action: "read", Conditions: ownerOnly,
			Description: "View only the requester's own health metrics"},
		{ID: "health_metrics:write:own", Name: "Record own health metrics", Resource: "health_metrics", Action: "write", Conditions: ownerOnly,
			Description: "Record only the requester's own health metrics"},
		{ID: "health_metrics:read:patients", Name: "Read patient health metrics", Resource: "health_metrics", Action: "read",
			Description: "View health metrics of patients under care"},

		{ID: "diagnosis:read:own", Name: "Read own diagnoses", Resource: "diagnosis", Action: "read", Conditions: ownerOnly,
			Description: "View only the requester's own diagnoses"},
		{ID: "diagnosis:create:patients", Name: "Create patient diagnoses", Resource: "diagnosis", Action: "create",
			Description: "Create diagnoses for patients"},
		{ID: "diagnosis:update:own", Name: "Update own diagnoses", Resource: "diagnosis", Action: "update",
			Description: "Update diagnoses authored by the requester"},

		{ID: "medication:read:own", Name: "Read own medications", Resource: "medication", Action: "read", Conditions: ownerOnly,
			Description: "View only the requester's own medications"},
		{ID: "medication:prescribe", Name: "Prescribe medications", Resource: "medication", Action: "prescribe",
			Description: "Prescribe medications for patients"},

		{ID: "report:generate:own", Name: "Generate own reports", Resource: "report", Action: "generate", Conditions: ownerOnly,
			Description: "Generate reports from the requester's own data"},
		{ID: "report:generate:department", Name: "Generate department reports", Resource: "report", Action: "generate",
			Description: "Generate department reports"},
		{ID: "report:export:encrypted", Name: "Export encrypted reports", Resource: "report", Action: "export",
			Description: "Export reports with encryption"},

		{ID: "user:manage:department", Name: "Manage department users", Resource: "user", Action: "manage",
			Description: "Manage users of the same department"},
		{ID: "role:assign:basic", Name: "Assign basic roles", Resource: "role", Action: "assign",
			Conditions:  []Condition{{Kind: ConditionRoleHierarchy, Allowed: []int{8, 9, 10}}},
			Description: "Assign only basic roles"},
		{ID: "audit:read:own", Name: "Read own audit logs", Resource: "audit", Action: "read", Conditions: ownerOnly,
			Description: "View only the requester's own audit records"},
		{ID: "audit:read:all", Name: "Read all audit logs", Resource: "audit", Action: "read",
			Description: "View every audit record"},

		{ID: "system:backup:create", Name: "Create system backups", Resource: "system", Action: "backup",
			Description: "Create system backups"},
		{ID: "system:config:modify", Name: "Modify system configuration", Resource: "system", Action: "config",
			Description: "Modify system configuration"},

		{ID: "security:read:all", Name: "Read security state", Resource: "security", Action: "read",
			Description: "View WAF rules and security statistics"},
		{ID: "security:update:all", Name: "Update security state", Resource: "security", Action: "update",
			Description: "Toggle WAF rules and edit allow/block lists"},
	}
}

// DefaultRoles returns the role catalog. super_admin holds every permission
// in perms.
func DefaultRoles(perms []Permission) []Role {
	all := make([]string, 0, len(perms))
	for _, p := range perms {
		all = append(all, p.ID)
	}

	return []Role{
		{
			ID: RoleSuperAdmin, Name: "Super Administrator", Hierarchy: 1, MaxDataAccess: DataAccessAll,
			Description: "Full system access, emergency use only",
			Permissions: all,
		},
		{
			ID: RoleMedicalDirector, Name: "Medical Director", Hierarchy: 2, MaxDataAccess: DataAccessOrganization,
			Description: "Medical and administrative oversight",
			Permissions: []string{
				"exam:read:all", "health_metrics:read:patients", "diagnosis:create:patients",
				"medication:prescribe", "report:generate:department", "user:manage:department",
				"audit:read:all", "role:assign:basic", "security:read:all",
			},
		},
		{
			ID: RolePhysician, Name: "Physician", Hierarchy: 4, MaxDataAccess: DataAccessDepartment,
			Description: "Medical professional with access to patient data",
			Permissions: []string{
				"exam:read:department", "health_metrics:read:patients", "diagnosis:create:patients",
				"diagnosis:update:own", "medication:prescribe", "report:generate:department",
				"audit:read:own",
			},
			Restrictions: []Restriction{{Kind: RestrictionDataSensitivity, MaxSensitivity: SensitivityHigh}},
		},
		{
			ID: RoleNurse, Name: "Nurse", Hierarchy: 6, MaxDataAccess: DataAccessDepartment,
			Description: "Nursing professional with limited access",
			Permissions: []string{
				"exam:read:department", "health_metrics:read:patients", "health_metrics:write:own",
				"medication:read:own", "report:generate:own",
			},
			Restrictions: []Restriction{{Kind: RestrictionDataSensitivity, MaxSensitivity: SensitivityMedium}},
		},
		{
			ID: RoleTechnician, Name: "Technician", Hierarchy: 7, MaxDataAccess: DataAccessOwn,
			Description: "Medical procedures technician",
			Permissions: []string{
				"exam:write:own", "health_metrics:write:own", "report:generate:own",
			},
			Restrictions: []Restriction{{Kind: RestrictionDataSensitivity, MaxSensitivity: SensitivityLow}},
		},
		{
			ID: RolePatient, Name: "Patient", Hierarchy: 8, MaxDataAccess: DataAccessOwn,
			Description: "Patient with access to their own data",
			Permissions: []string{
				"exam:read:own", "exam:write:own", "exam:delete:own",
				"health_metrics:read:own", "health_metrics:write:own",
				"diagnosis:read:own", "medication:read:own",
				"report:generate:own", "audit:read:own",
			},
		},
		{
			ID: RoleGuest, Name: "Guest", Hierarchy: 10, MaxDataAccess: DataAccessOwn,
			Description: "Very limited access for demonstrations",
			Permissions: []string{
				"exam:read:own", "health_metrics:read:own",
			},
			Restrictions: []Restriction{{Kind: RestrictionTime, MaxSessionDuration: 30 * time.Minute}},
		},
	}
}

// MapLegacyRole maps a single-string role from the older identity system to
// a catalog role. Unknown values map to physician.
func MapLegacyRole(legacy string) string {
	switch normalizeRole(legacy) {
	case "admin", "super_admin":
		return RoleSuperAdmin
	case "physician", "clinician", "doctor":
		return RolePhysician
	case "user", "patient":
		return RolePatient
	case "nurse":
		return RoleNurse
	case "technician":
		return RoleTechnician
	default:
		return RolePhysician
	}
}
