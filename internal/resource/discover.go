package resource

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// DiscoverGPUs enumerates GPU device indices on the host via nvidia-smi.
// The Docker Engine API exposes no device-enumeration endpoint, so this is
// the same source its nvidia runtime consults. A missing binary or a
// non-zero exit means the host simply has no usable GPUs; that is an empty
// pool, not an error.
func DiscoverGPUs(ctx context.Context) []int {
	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=index", "--format=csv,noheader").Output()
	if err != nil {
		return nil
	}

	var ids []int
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
