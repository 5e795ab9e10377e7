// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/scmtools/tenantsync/core/config"
	"github.com/scmtools/tenantsync/scmapi"
	"github.com/scmtools/tenantsync/tenantfile"
)

const (
	secretEnvKey = "TENANTSYNC_CLIENT_SECRET"
	tokenEnvKey  = "TENANTSYNC_TOKEN"
)

// profileFlags locates the tenant profiles file.
type profileFlags struct {
	storeDir string
}

func (f *profileFlags) addFlags(fs *gnuflag.FlagSet) {
	fs.StringVar(&f.storeDir, "profiles-dir", "", "Directory holding tenants.yaml (default ~/.tenantsync)")
}

func (f *profileFlags) store() (*tenantfile.Store, error) {
	dir := f.storeDir
	if dir == "" {
		var err error
		dir, err = tenantfile.DefaultDir()
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return tenantfile.NewStore(dir, clock.WallClock)
}

// newAPIClient builds an authenticated client for the named profile.
// A pre-issued bearer token in $TENANTSYNC_TOKEN wins; otherwise the
// client secret comes from $TENANTSYNC_CLIENT_SECRET and tokens are
// acquired with the client-credentials grant.
func newAPIClient(store *tenantfile.Store, profileName string) (*scmapi.Client, error) {
	profile, err := store.ByName(profileName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	provider, err := tokenProvider(profile)
	if err != nil {
		return nil, errors.Trace(err)
	}
	client, err := scmapi.NewClient(scmapi.Config{
		BaseURL:       profile.Endpoint,
		TokenProvider: provider,
	})
	return client, errors.Trace(err)
}

func tokenProvider(profile *tenantfile.Profile) (scmapi.TokenProvider, error) {
	if token := os.Getenv(tokenEnvKey); token != "" {
		return scmapi.StaticToken(token), nil
	}
	secret := os.Getenv(secretEnvKey)
	if secret == "" {
		return nil, errors.Errorf("no credentials: set $%s or $%s", tokenEnvKey, secretEnvKey)
	}
	if profile.TokenURL == "" {
		return nil, errors.NotValidf("profile without a token-url when using a client secret")
	}
	return scmapi.NewClientCredentials(scmapi.ClientCredentialsConfig{
		TokenURL:     profile.TokenURL,
		ClientID:     profile.ClientID,
		ClientSecret: secret,
		Scope:        "tsg_id:" + profile.TenantID,
	})
}

// parseSelection turns TYPE:NAME@CONTAINER arguments into identities.
// The container is a folder path ("Shared/Branch"), "snippet:NAME" for
// a snippet, or absent for an infrastructure item.
func parseSelection(args []string) ([]config.Identity, error) {
	identities := make([]config.Identity, 0, len(args))
	for _, arg := range args {
		identity, err := parseIdentity(arg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		identities = append(identities, identity)
	}
	return identities, nil
}

func parseIdentity(arg string) (config.Identity, error) {
	typeName, rest, ok := strings.Cut(arg, ":")
	if !ok {
		return config.Identity{}, errors.NotValidf("selection %q", arg)
	}
	itemType, err := config.ParseItemType(typeName)
	if err != nil {
		return config.Identity{}, errors.Annotatef(err, "selection %q", arg)
	}
	name, container, hasContainer := strings.Cut(rest, "@")
	if name == "" {
		return config.Identity{}, errors.NotValidf("selection %q", arg)
	}
	identity := config.Identity{Type: itemType, Name: name}
	switch {
	case !hasContainer:
		identity.Container = config.InfraRef()
	case strings.HasPrefix(container, "snippet:"):
		identity.Container = config.SnippetRef(strings.TrimPrefix(container, "snippet:"))
	case container == "":
		return config.Identity{}, errors.NotValidf("selection %q", arg)
	default:
		identity.Container = config.FolderRef(container)
	}
	return identity, nil
}
