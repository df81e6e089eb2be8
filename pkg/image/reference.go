package image

import (
	"strings"
)

// Reference joins a registry host, repository path components and a tag into
// a fully qualified image reference. Empty components are skipped.
func Reference(registry string, path []string, tag string) string {
	parts := make([]string, 0, len(path)+1)
	if registry != "" {
		parts = append(parts, strings.TrimSuffix(registry, "/"))
	}
	for _, p := range path {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	ref := strings.Join(parts, "/")
	if tag != "" {
		ref += ":" + tag
	}
	return ref
}

// SplitReference decomposes a reference into its repository and tag parts.
// Examples:
//   - "postgres:15.2" -> "postgres", "15.2"
//   - "nginx" -> "nginx", ""
//   - "registry.com:5000/nginx:latest" -> "registry.com:5000/nginx", "latest"
//   - "nginx@sha256:abc" -> "nginx", ""
func SplitReference(imageURL string) (string, string) {
	// Remove digest if present (e.g., nginx@sha256:abc -> nginx)
	if idx := strings.LastIndex(imageURL, "@"); idx != -1 {
		imageURL = imageURL[:idx]
	}

	tag := extractTag(imageURL)
	if tag == "" {
		return imageURL, ""
	}
	return strings.TrimSuffix(imageURL, ":"+tag), tag
}

// extractTag extracts the tag portion from an image URL.
// A colon only separates a tag when no slash follows it, otherwise it is a
// registry port.
func extractTag(imageURL string) string {
	colon := strings.LastIndex(imageURL, ":")
	if colon == -1 {
		return ""
	}
	if strings.Contains(imageURL[colon+1:], "/") {
		return ""
	}
	return imageURL[colon+1:]
}
