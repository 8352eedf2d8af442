package handlers

import (
	"net/http"
	"runtime"
	"sync"
)

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionResponse{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo sets the build metadata reported by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionResponse{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	versionMu.RLock()
	resp := versionInfo
	versionMu.RUnlock()
	resp.GoVersion = runtime.Version()
	writeJSON(w, http.StatusOK, resp)
}
