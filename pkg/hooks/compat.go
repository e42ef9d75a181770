// Copyright 2023-2025 Stallguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hooks

import (
	"strings"

	"github.com/go-logr/logr"
	goversion "github.com/hashicorp/go-version"
	"golang.org/x/sys/unix"

	"github.com/stallguard/stallguard/internal/types"
)

// Version floors for hooks whose instrumentation points are not
// available on older kernels. Compatibility lives here at the adapter
// boundary; the core only ever sees the resulting enabled-hooks mask.
var hookVersionFloors = []struct {
	hook  types.HookType
	floor string
}{
	{types.HookTaskFree, "4.14"},
	{types.HookCloneKprobe, "4.18"},
}

// DetectHookMask probes the running kernel release and masks out hooks
// it cannot support.
func DetectHookMask(log logr.Logger) types.HookMask {
	mask := types.HookMaskAll

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		log.Error(err, "unix.Uname() failed, keeping all hooks enabled")
		return mask
	}
	release := unameString(uts.Release[:])
	kernel, err := parseKernelRelease(release)
	if err != nil {
		log.Error(err, "failed to parse kernel release, keeping all hooks enabled", "release", release)
		return mask
	}

	for _, f := range hookVersionFloors {
		floor := goversion.Must(goversion.NewVersion(f.floor))
		if kernel.LessThan(floor) {
			mask &^= types.HookMask(f.hook)
			log.Info("hook disabled for this kernel", "hook", uint32(f.hook), "release", release, "requires", f.floor)
		}
	}
	return mask
}

func parseKernelRelease(release string) (*goversion.Version, error) {
	// Strip the distro suffix: "5.15.0-86-generic" → "5.15.0".
	base := release
	if i := strings.IndexAny(base, "-+"); i >= 0 {
		base = base[:i]
	}
	return goversion.NewVersion(base)
}

func unameString(raw []byte) string {
	if i := strings.IndexByte(string(raw), 0); i >= 0 {
		return string(raw[:i])
	}
	return string(raw)
}
