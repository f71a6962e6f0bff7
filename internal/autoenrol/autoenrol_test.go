// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package autoenrol

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/lanzaboote-go/internal/loaderconf"
)

type fakeKeyManager struct {
	generated map[string]string // varName -> certPath passed in
}

func (f *fakeKeyManager) GenerateAuthVar(_ context.Context, varName, certPath, _ string) ([]byte, error) {
	if f.generated == nil {
		f.generated = map[string]string{}
	}
	f.generated[varName] = certPath
	return []byte("auth-payload-" + varName), nil
}

func TestStageWritesAllThreeAuthFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	km := &fakeKeyManager{}
	o := NewOrchestrator(km)

	enroll, err := o.Stage(context.Background(), fs, KeyBundle{
		PKCertPath:     "/pki/PK.pem",
		KEKCertPath:    "/pki/KEK.pem",
		DBCertPath:     "/pki/db.pem",
		SigningKeyPath: "/pki/PK.key",
	})

	require.NoError(t, err)
	require.Equal(t, loaderconf.EnrollForce, enroll)

	for _, name := range []string{"PK.auth", "KEK.auth", "db.auth"} {
		data, err := afero.ReadFile(fs, "/loader/keys/auto/"+name)
		require.NoError(t, err, name)
		require.NotEmpty(t, data)
	}

	require.Equal(t, "/pki/PK.pem", km.generated["PK"])
	require.Equal(t, "/pki/db.pem", km.generated["db"])
}
