package domain

// UserRole is the system-wide role of a user, distinct from their
// per-group Role (§3).
type UserRole string

const (
	UserRoleAdmin     UserRole = "admin"
	UserRoleDeveloper UserRole = "developer"
	UserRoleUser      UserRole = "user"
)

// Scaler identifies one of the scheduler's backend kinds (§3 Image,
// §4.7).
type Scaler string

const (
	ScalerK8s       Scaler = "K8s"
	ScalerBareMetal Scaler = "BareMetal"
	ScalerWindows   Scaler = "Windows"
	ScalerExternal  Scaler = "External"
	ScalerKvm       Scaler = "Kvm"
)

// UnixInfo carries the uid/gid a worker should run as for a user, when
// set.
type UnixInfo struct {
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`
}

// User is an authenticated principal.
type User struct {
	Username string          `json:"username"`
	Role     UserRole        `json:"role"`
	Scalers  map[Scaler]bool `json:"scalers,omitempty"` // developer capability per backend
	Groups   map[string]bool `json:"groups"`
	Unix     *UnixInfo       `json:"unix,omitempty"`
}

// IsAdmin reports whether the user bypasses group viewability checks.
func (u *User) IsAdmin() bool { return u.Role == UserRoleAdmin }

// HasDeveloper reports whether the user has developer capability for
// the given scaler.
func (u *User) HasDeveloper(scaler Scaler) bool {
	if u.Role != UserRoleDeveloper {
		return false
	}
	return u.Scalers[scaler]
}
