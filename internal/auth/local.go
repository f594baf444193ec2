package auth

import (
	"fmt"
	"os/user"

	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// LocalIdentity resolves the tenant from the operating system user. The
// local user administers its own plan.
func LocalIdentity() (tenant.Info, error) {
	u, err := user.Current()
	if err != nil {
		return tenant.Info{}, fmt.Errorf("%w: unable to determine system user: %v", tenant.ErrUnauthenticated, err)
	}
	id, source, err := tenant.ResolveWithSource(tenant.Claims{Username: u.Username})
	if err != nil {
		return tenant.Info{}, err
	}
	return tenant.Info{ID: id, Source: source, Admin: true}, nil
}
