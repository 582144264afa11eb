// Package permission decides which users may invoke privileged bot commands
// on a repository.
//
// Permissions are loaded as a per-repository snapshot from a remote source
// and cached. The cache answers from the snapshot until it is invalidated,
// then reloads once before answering again. A failed reload degrades to the
// last known snapshot instead of refusing all commands during an outage.
package permission

// Permission is a named privileged capability, checked per username and
// repository. The set is open, more permissions can be added.
type Permission string

const (
	TryBuild Permission = "try_build"
	Approve  Permission = "approve"
)

// UserPermissions is a point-in-time snapshot of which users hold which
// permission on one repository.
type UserPermissions struct {
	users map[Permission]map[string]struct{}
}

func NewUserPermissions() *UserPermissions {
	return &UserPermissions{
		users: map[Permission]map[string]struct{}{},
	}
}

// Grant records that username holds perm.
func (u *UserPermissions) Grant(username string, perm Permission) {
	set, exist := u.users[perm]
	if !exist {
		set = map[string]struct{}{}
		u.users[perm] = set
	}

	set[username] = struct{}{}
}

// CanPerform returns true if username holds perm in this snapshot.
func (u *UserPermissions) CanPerform(username string, perm Permission) bool {
	_, allowed := u.users[perm][username]
	return allowed
}

// UserCount returns the number of users holding perm.
func (u *UserPermissions) UserCount(perm Permission) int {
	return len(u.users[perm])
}
