// Package reference normalizes raw image strings into the
// (registry, namespace, name:tag) triple used by the sync state tables.
package reference

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultRegistry is assumed when a reference carries no registry host.
	DefaultRegistry = "docker.io"
	// DefaultNamespace is the implicit namespace of official Docker Hub images.
	DefaultNamespace = "library"
	// DefaultTag is used when building destination references for untagged images.
	DefaultTag = "latest"
)

// ErrInvalidReference is returned for empty or registry-only references.
var ErrInvalidReference = errors.New("invalid image reference")

// ImageReference is a parsed image string. NameTag keeps the tag exactly as
// given; a missing tag stays missing.
type ImageReference struct {
	Registry  string
	Namespace string
	NameTag   string
}

// Parse splits raw into registry, namespace and name[:tag].
func Parse(raw string) (ImageReference, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ImageReference{}, fmt.Errorf("%w: reference is empty", ErrInvalidReference)
	}

	ref := ImageReference{Registry: DefaultRegistry}
	if first, rest, ok := strings.Cut(s, "/"); ok {
		if strings.ContainsAny(first, ".:") {
			ref.Registry = first
			s = rest
		}
	}

	if ns, nameTag, ok := strings.Cut(s, "/"); ok {
		ref.Namespace = ns
		ref.NameTag = nameTag
	} else {
		ref.NameTag = s
		if ref.Registry == DefaultRegistry {
			ref.Namespace = DefaultNamespace
		}
	}

	if ref.NameTag == "" || strings.HasPrefix(ref.NameTag, ":") {
		return ImageReference{}, fmt.Errorf("%w: %q has no image name", ErrInvalidReference, raw)
	}
	return ref, nil
}

// Name returns the image name without the tag.
func (r ImageReference) Name() string {
	name, _ := SplitTag(r.NameTag)
	return name
}

// Tag returns the tag, or an empty string when none was given.
func (r ImageReference) Tag() string {
	_, tag := SplitTag(r.NameTag)
	return tag
}

// String renders the reference in the form a puller understands.
func (r ImageReference) String() string {
	return SourceReference(r.Registry, r.Namespace, r.NameTag)
}

// SplitTag splits "name:tag" on the first colon after the last slash.
func SplitTag(nameTag string) (name, tag string) {
	slash := strings.LastIndex(nameTag, "/")
	colon := strings.Index(nameTag[slash+1:], ":")
	if colon < 0 {
		return nameTag, ""
	}
	colon += slash + 1
	return nameTag[:colon], nameTag[colon+1:]
}

// SourceReference builds the pull reference for a stored entry. Docker Hub
// images are addressed without the host segment.
func SourceReference(registry, namespace, imageName string) string {
	parts := make([]string, 0, 3)
	if registry != "" && registry != DefaultRegistry {
		parts = append(parts, registry)
	}
	if namespace != "" {
		parts = append(parts, namespace)
	}
	parts = append(parts, imageName)
	return strings.Join(parts, "/")
}

// DestinationReference builds target/namespace/short:tag. Nested upstream
// names collapse to their last path segment and the tag defaults to latest.
func DestinationReference(targetRegistry, targetNamespace, imageName string) string {
	name, tag := SplitTag(imageName)
	if tag == "" {
		tag = DefaultTag
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	parts := make([]string, 0, 3)
	if host := NormalizeRegistryHost(targetRegistry); host != "" {
		parts = append(parts, host)
	}
	if ns := strings.Trim(targetNamespace, "/"); ns != "" {
		parts = append(parts, ns)
	}
	parts = append(parts, name+":"+tag)
	return strings.Join(parts, "/")
}

// NormalizeRegistryHost strips the URL scheme and trailing slashes from a
// registry endpoint.
func NormalizeRegistryHost(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	e = strings.TrimPrefix(e, "https://")
	e = strings.TrimPrefix(e, "http://")
	return strings.TrimRight(e, "/")
}
