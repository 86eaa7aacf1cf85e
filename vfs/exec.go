package vfs

import (
	"os"
	"strings"

	"github.com/vrift/vrift"
)

// ChildEnv returns the environment for spawning a child process so it stays
// instrumented: the caller's environment with the vrift variables pinned to
// this layer's configuration and the inception marker set. Pass it to
// exec.Cmd.Env.
func (v *VFS) ChildEnv() []string {
	keep := os.Environ()
	pinned := []string{vrift.EnvProjectRoot, vrift.EnvSocketPath, vrift.EnvCASRoot, vrift.EnvInception, vrift.EnvVFSPrefix}
	out := make([]string, 0, len(keep)+4)
next:
	for _, kv := range keep {
		for _, k := range pinned {
			if strings.HasPrefix(kv, k+"=") {
				continue next
			}
		}
		out = append(out, kv)
	}
	out = append(out,
		vrift.EnvProjectRoot+"="+v.projectRoot,
		vrift.EnvSocketPath+"="+v.client.SocketPath(),
		vrift.EnvCASRoot+"="+v.store.Root(),
		vrift.EnvInception+"=1",
	)
	if v.vfsPrefix != "" && v.vfsPrefix != v.projectRoot {
		out = append(out, vrift.EnvVFSPrefix+"="+v.vfsPrefix)
	}
	return out
}

// UnderInception reports whether this process was itself spawned by an
// instrumented parent.
func UnderInception() bool {
	return os.Getenv(vrift.EnvInception) == "1"
}
