package configuration

import (
	"os"
	"strconv"
	"strings"
)

const (
	maxBatchSizeEnv = "MYPGMIRROR_MAX_BATCH_SIZE"
)

// GlobalMaxBatchSize is the process-wide default batch size, overridable via
// the MYPGMIRROR_MAX_BATCH_SIZE environment variable.
func GlobalMaxBatchSize() int {
	if n, ok := envInt(maxBatchSizeEnv); ok && n > 0 {
		return n
	}
	return DefaultMaxBatchSize
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
