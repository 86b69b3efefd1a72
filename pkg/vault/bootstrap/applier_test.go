/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

func TestCommandApplier_PassesClusterEnvironment(t *testing.T) {
	dir := t.TempDir()
	applier := &CommandApplier{
		Command: []string{"sh", "-c", `printf '%s\n%s\n%s\n%s\n' "$VAULT_ADDR" "$VAULT_TOKEN" "$VAULT_CACERT" "$EXTRA" > out.txt`},
		Dir:     dir,
		Env:     []string{"EXTRA=value"},
		Log:     logr.Discard(),
	}

	err := applier.Apply(context.Background(), ApplyEnv{
		Address:    "https://vault.example:8200",
		Token:      "hvs.scoped",
		CACertFile: "/tmp/ca.pem",
	})
	require.NoError(t, err)

	out, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://vault.example:8200", "hvs.scoped", "/tmp/ca.pem", "value"},
		strings.Split(strings.TrimSpace(string(out)), "\n"))
}

func TestCommandApplier_RequiresCommand(t *testing.T) {
	err := (&CommandApplier{Log: logr.Discard()}).Apply(context.Background(), ApplyEnv{})

	var verr *infraerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "downstream.command", verr.Field)
}

func TestCommandApplier_FailureCarriesOutput(t *testing.T) {
	applier := &CommandApplier{
		Command: []string{"sh", "-c", "echo 'plan failed: provider error' >&2; exit 3"},
		Log:     logr.Discard(),
	}

	err := applier.Apply(context.Background(), ApplyEnv{Address: "http://127.0.0.1:8200"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan failed: provider error")
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestTail(t *testing.T) {
	long := strings.Repeat("x", maxOutputTail+100)
	got := tail(long)
	assert.True(t, strings.HasPrefix(got, "..."))
	assert.Len(t, got, maxOutputTail+3)
	assert.Equal(t, "short", tail("  short\n"))
}
