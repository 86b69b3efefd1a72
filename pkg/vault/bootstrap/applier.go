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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"

	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

// maxOutputTail is how much command output an error carries
const maxOutputTail = 2048

// ApplyEnv is what a downstream applier needs to reach the cluster.
type ApplyEnv struct {
	// Address is the cluster address.
	Address string

	// Token is a scoped orphan token, revoked when the run ends.
	Token string

	// CACertFile is the path of the root CA certificate.
	CACertFile string
}

// Environ renders env as VAULT_* environment variables.
func (e ApplyEnv) Environ() []string {
	out := []string{"VAULT_ADDR=" + e.Address, "VAULT_TOKEN=" + e.Token}
	if e.CACertFile != "" {
		out = append(out, "VAULT_CACERT="+e.CACertFile)
	}
	return out
}

// DownstreamApplier applies configuration that depends on the cluster, such
// as an infrastructure-as-code workspace.
type DownstreamApplier interface {
	Apply(ctx context.Context, env ApplyEnv) error
}

// CommandApplier runs an external command with the cluster environment set.
type CommandApplier struct {
	// Command is the program and its arguments.
	Command []string

	// Dir is the working directory of the command.
	Dir string

	// Env holds extra KEY=VALUE entries.
	Env []string

	Log logr.Logger
}

// Apply implements DownstreamApplier.
func (a *CommandApplier) Apply(ctx context.Context, env ApplyEnv) error {
	if len(a.Command) == 0 || a.Command[0] == "" {
		return infraerrors.NewValidationError("downstream.command", "", "command is required")
	}

	cmd := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	cmd.Dir = a.Dir
	cmd.Env = append(append(os.Environ(), a.Env...), env.Environ()...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	a.Log.Info("running downstream command", "command", a.Command[0], "dir", a.Dir)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("downstream command %s: %w: %s", a.Command[0], err, tail(out.String()))
	}
	a.Log.V(1).Info("downstream command finished", "output", tail(out.String()))
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputTail {
		return "..." + s[len(s)-maxOutputTail:]
	}
	return s
}
