package mover

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/Celdrick/mydocker/internal/reference"
)

var (
	remoteImageFunc = remote.Image
	remoteWriteFunc = remote.Write
)

// Registry talks to registries directly over the distribution API. Pulled
// images are held in memory under their reference until RemoveLocal.
type Registry struct {
	insecure bool
	logger   *slog.Logger

	mu     sync.Mutex
	images map[string]v1.Image
	creds  map[string]authn.Authenticator
}

// NewRegistry returns a daemonless mover. Credentials given to Login take
// precedence over the default docker config keychain.
func NewRegistry(insecure bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		insecure: insecure,
		logger:   logger,
		images:   make(map[string]v1.Image),
		creds:    make(map[string]authn.Authenticator),
	}
}

func (r *Registry) parse(ref string) (name.Reference, error) {
	opts := []name.Option{name.WeakValidation}
	if r.insecure {
		opts = append(opts, name.Insecure)
	}
	return name.ParseReference(ref, opts...)
}

func (r *Registry) keychain() authn.Keychain {
	r.mu.Lock()
	defer r.mu.Unlock()
	creds := make(map[string]authn.Authenticator, len(r.creds))
	for k, v := range r.creds {
		creds[k] = v
	}
	return authn.NewMultiKeychain(newStaticKeychain(creds), authn.DefaultKeychain)
}

func (r *Registry) image(ref string) (v1.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[ref]
	if !ok {
		return nil, fmt.Errorf("image %s has not been pulled", ref)
	}
	return img, nil
}

// Pull resolves ref for platform and keeps the image handle.
func (r *Registry) Pull(ctx context.Context, ref, platform string) error {
	parsed, err := r.parse(ref)
	if err != nil {
		return &Error{Op: OpPull, Ref: ref, Err: err}
	}
	opts := []remote.Option{remote.WithContext(ctx), remote.WithAuthFromKeychain(r.keychain())}
	if platform != "" {
		p, err := v1.ParsePlatform(platform)
		if err != nil {
			return &Error{Op: OpPull, Ref: ref, Err: fmt.Errorf("invalid platform %q: %w", platform, err)}
		}
		opts = append(opts, remote.WithPlatform(*p))
	}

	img, err := remoteImageFunc(parsed, opts...)
	if err != nil {
		return &Error{Op: OpPull, Ref: ref, Err: err}
	}
	// Force manifest resolution so a missing tag fails here rather than at push.
	if _, err := img.Digest(); err != nil {
		return &Error{Op: OpPull, Ref: ref, Err: err}
	}

	r.mu.Lock()
	r.images[ref] = img
	r.mu.Unlock()
	r.logger.Debug("image pulled", "ref", ref, "platform", platform)
	return nil
}

// Login records basic credentials for registry.
func (r *Registry) Login(_ context.Context, registry, username, password string) error {
	host := strings.ToLower(reference.NormalizeRegistryHost(registry))
	if host == "" {
		return &Error{Op: OpLogin, Ref: registry, Err: fmt.Errorf("registry host is required")}
	}
	if username == "" && password == "" {
		return nil
	}
	r.mu.Lock()
	r.creds[host] = &authn.Basic{Username: username, Password: password}
	r.mu.Unlock()
	return nil
}

// Tag aliases a pulled image under dst.
func (r *Registry) Tag(_ context.Context, src, dst string) error {
	img, err := r.image(src)
	if err != nil {
		return &Error{Op: OpTag, Ref: src, Err: err}
	}
	if _, err := r.parse(dst); err != nil {
		return &Error{Op: OpTag, Ref: dst, Err: err}
	}
	r.mu.Lock()
	r.images[dst] = img
	r.mu.Unlock()
	return nil
}

// Push writes the image held under ref to its registry.
func (r *Registry) Push(ctx context.Context, ref string) error {
	img, err := r.image(ref)
	if err != nil {
		return &Error{Op: OpPush, Ref: ref, Err: err}
	}
	parsed, err := r.parse(ref)
	if err != nil {
		return &Error{Op: OpPush, Ref: ref, Err: err}
	}
	if err := remoteWriteFunc(parsed, img, remote.WithContext(ctx), remote.WithAuthFromKeychain(r.keychain())); err != nil {
		return &Error{Op: OpPush, Ref: ref, Err: err}
	}
	return nil
}

// InspectSize returns the compressed size of config and layers.
func (r *Registry) InspectSize(_ context.Context, ref string) (int64, error) {
	img, err := r.image(ref)
	if err != nil {
		return 0, &Error{Op: OpSize, Ref: ref, Err: err}
	}
	manifest, err := img.Manifest()
	if err != nil {
		return 0, &Error{Op: OpSize, Ref: ref, Err: err}
	}
	total := manifest.Config.Size
	for _, layer := range manifest.Layers {
		total += layer.Size
	}
	return total, nil
}

// InspectDigest returns the manifest digest of ref.
func (r *Registry) InspectDigest(_ context.Context, ref string) (string, error) {
	img, err := r.image(ref)
	if err != nil {
		return "", &Error{Op: OpDigest, Ref: ref, Err: err}
	}
	h, err := img.Digest()
	if err != nil {
		return "", &Error{Op: OpDigest, Ref: ref, Err: err}
	}
	return h.String(), nil
}

// RemoveLocal drops the in-memory handles for refs.
func (r *Registry) RemoveLocal(_ context.Context, refs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range refs {
		delete(r.images, ref)
	}
	return nil
}

// staticKeychain resolves credentials by registry host, case-insensitively.
type staticKeychain struct {
	creds map[string]authn.Authenticator
}

func newStaticKeychain(creds map[string]authn.Authenticator) authn.Keychain {
	return &staticKeychain{creds: creds}
}

func (s *staticKeychain) Resolve(resource authn.Resource) (authn.Authenticator, error) {
	registry := strings.ToLower(strings.TrimSpace(resource.RegistryStr()))
	if auth, ok := s.creds[registry]; ok {
		return auth, nil
	}
	return authn.Anonymous, nil
}
