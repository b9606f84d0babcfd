package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// holderLine is the lock file content: "<pid> <RFC3339 time>\n".
func holderLine(pid int, at time.Time) string {
	return fmt.Sprintf("%d %s\n", pid, at.UTC().Format(time.RFC3339))
}

func readHolder(path string) (int, time.Time) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}
	}
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return 0, time.Time{}
	}
	pid, _ := strconv.Atoi(fields[0])
	at, _ := time.Parse(time.RFC3339, fields[1])
	return pid, at
}
