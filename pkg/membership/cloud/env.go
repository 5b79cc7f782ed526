package cloud

import (
    "os"
    "strings"
)

// ServiceAccountDir is where orchestrators mount the pod's credentials.
const ServiceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

// Getenv returns the first non-empty value among primary and fallbacks.
func Getenv(primary string, fallbacks ...string) string {
    for _, k := range append([]string{primary}, fallbacks...) {
        if v := strings.TrimSpace(os.Getenv(k)); v != "" { return v }
    }
    return ""
}

// GetenvDefault is Getenv with a default for when nothing is set.
func GetenvDefault(def, primary string, fallbacks ...string) string {
    if v := Getenv(primary, fallbacks...); v != "" { return v }
    return def
}

// FileIfExists returns path when it names a readable file, else "".
func FileIfExists(path string) string {
    if path == "" { return "" }
    if st, err := os.Stat(path); err == nil && !st.IsDir() { return path }
    return ""
}
