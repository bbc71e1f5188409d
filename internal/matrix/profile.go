package matrix

import (
	"encoding/json"
	"os"
	"runtime"
	"strings"
)

// systemProfile captures just enough host metadata to interpret results
// later. Best-effort: missing fields never block a run.
func systemProfile() string {
	hostname, _ := os.Hostname()
	profile := map[string]any{
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"num_cpu":  runtime.NumCPU(),
	}
	if data, err := os.ReadFile("/proc/version"); err == nil {
		profile["kernel"] = strings.TrimSpace(string(data))
	}
	out, err := json.Marshal(profile)
	if err != nil {
		return "{}"
	}
	return string(out)
}
