// issuetoken mints a bearer access token for the control-plane API using
// the same JWT_* environment as the server.
//
//	JWT_SECRET=... issuetoken --user ops-1 --role supervisor --ttl 1h
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"pbx-controlplane/internal/auth"
	"pbx-controlplane/internal/config"
	"pbx-controlplane/internal/rbac"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, time.Now()); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, now time.Time) error {
	var (
		user string
		role string
		ttl  time.Duration
	)
	flagSet := pflag.NewFlagSet("issuetoken", pflag.ContinueOnError)
	flagSet.StringVarP(&user, "user", "u", "", "user id placed in the token (required)")
	flagSet.StringVarP(&role, "role", "r", rbac.RoleViewer, "role: viewer, supervisor or admin")
	flagSet.DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_ACCESS_TTL)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if user == "" {
		return errors.New("--user is required")
	}
	if !rbac.IsValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}

	cfg, err := config.LoadAuth()
	if err != nil {
		return err
	}
	m, err := auth.NewManager(cfg)
	if err != nil {
		return err
	}
	tok, err := m.IssueAccess(now, user, role, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}
