// Package discovery finds image references to mirror from upstream release
// artifacts: compose files at release tags and the tags themselves.
package discovery

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type composeFile struct {
	Services map[string]struct {
		Image string `yaml:"image"`
	} `yaml:"services"`
}

// ComposeImages returns the image of every service in a compose file,
// sorted and without duplicates. Services built locally have no image and
// are ignored.
func ComposeImages(data []byte) ([]string, error) {
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse compose file: %w", err)
	}

	seen := make(map[string]struct{}, len(cf.Services))
	images := make([]string, 0, len(cf.Services))
	for _, svc := range cf.Services {
		image := strings.TrimSpace(svc.Image)
		if image == "" {
			continue
		}
		if _, ok := seen[image]; ok {
			continue
		}
		seen[image] = struct{}{}
		images = append(images, image)
	}
	sort.Strings(images)
	return images, nil
}

// NewImages returns the references in latest that are not in previous, sorted.
func NewImages(latest, previous []string) []string {
	old := make(map[string]struct{}, len(previous))
	for _, image := range previous {
		old[image] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, image := range latest {
		if _, ok := old[image]; ok {
			continue
		}
		if _, ok := seen[image]; ok {
			continue
		}
		seen[image] = struct{}{}
		out = append(out, image)
	}
	sort.Strings(out)
	return out
}
