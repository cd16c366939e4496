// Package transform converts raw assistant log records into canonical events.
package transform

import "strings"

// NormalizePath maps an absolute path to project-relative form. A path
// outside the project, or an empty input, comes back unchanged. The input's
// separator style is preserved, never rewritten.
func NormalizePath(absolutePath, projectDir string) string {
	if absolutePath == "" || projectDir == "" {
		return absolutePath
	}

	root := strings.TrimSuffix(projectDir, "/")
	root = strings.TrimSuffix(root, "\\")

	if strings.HasPrefix(absolutePath, root+"/") || strings.HasPrefix(absolutePath, root+"\\") {
		return absolutePath[len(root)+1:]
	}
	if absolutePath == root {
		return "."
	}
	return absolutePath
}
