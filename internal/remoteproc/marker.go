package remoteproc

import (
	"bufio"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/jetdeploy/internal/connectors"
)

// DefaultMarkerName is the marker file name used when a workload names none.
const DefaultMarkerName = ".jetdeploy_installed"

// Marker keys.
const (
	MarkerVersion     = "version"
	MarkerInstalledAt = "installed_at"
	MarkerWorkload    = "workload"
)

// MarkerPath resolves the marker location. A relative markerPath is taken relative to remoteDir.
func MarkerPath(remoteDir, markerPath string) string {
	if markerPath == "" {
		return path.Join(remoteDir, DefaultMarkerName)
	}
	if path.IsAbs(markerPath) {
		return markerPath
	}
	return path.Join(remoteDir, markerPath)
}

// ParseMarker reads key=value lines. Blank lines and # comments are ignored.
func ParseMarker(text string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// FormatMarker renders a marker file.
func FormatMarker(workload, version string, at time.Time, extra map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s\n", MarkerVersion, version)
	fmt.Fprintf(&b, "%s=%s\n", MarkerInstalledAt, at.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "%s=%s\n", MarkerWorkload, workload)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, extra[k])
	}
	return b.String()
}

// ReadMarker loads the marker at markerPath. found is false when no marker exists.
func ReadMarker(ctx context.Context, ex connectors.Executor, markerPath string, elevated bool) (map[string]string, bool, error) {
	data, found, err := connectors.ReadFile(ctx, ex, markerPath, elevated)
	if err != nil || !found {
		return nil, false, err
	}
	return ParseMarker(string(data)), true, nil
}

// RemoveMarkerCommand deletes the marker file.
func RemoveMarkerCommand(markerPath string) string {
	return "rm -f -- " + connectors.Quote(markerPath)
}
