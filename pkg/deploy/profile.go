package deploy

import (
	"strings"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// Environment names form a fixed pipeline.
const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

// Profile is the per-environment resource and naming bundle applied
// during promotion.
type Profile struct {
	Suffix      string
	CPULimit    string
	MemoryLimit string
	Replicas    int
}

var profiles = map[string]Profile{
	EnvDev:     {Suffix: "-dev", CPULimit: "0.5", MemoryLimit: "512Mi", Replicas: 1},
	EnvStaging: {Suffix: "-staging", CPULimit: "1.0", MemoryLimit: "1Gi", Replicas: 2},
	EnvProd:    {Suffix: "", CPULimit: "2.0", MemoryLimit: "2Gi", Replicas: 3},
}

// knownSuffixes in strip order; prod's empty suffix never strips.
var knownSuffixes = []string{"-staging", "-dev"}

func ProfileFor(env string) (Profile, error) {
	profile, ok := profiles[env]
	if !ok {
		return Profile{}, opserr.New(opserr.KindMissingField, "unknown environment %q", env)
	}
	return profile, nil
}

func ValidEnv(env string) bool {
	_, ok := profiles[env]
	return ok
}

// EnvironmentName applies the target suffix convention to a base name:
// any known env suffix is stripped first, then the target's appended.
func EnvironmentName(name, targetEnv string) string {
	base := stripSuffix(name)
	profile := profiles[targetEnv]
	return base + profile.Suffix
}

// EnvOfName reports which environment a container name belongs to by its
// suffix; names without a known suffix belong to prod.
func EnvOfName(name string) string {
	switch {
	case strings.HasSuffix(name, "-dev"):
		return EnvDev
	case strings.HasSuffix(name, "-staging"):
		return EnvStaging
	default:
		return EnvProd
	}
}

func stripSuffix(name string) string {
	for _, suffix := range knownSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

// Transform applies the target environment's profile to a copy of the
// descriptor: name and image retagging by suffix, resource scaling,
// replica count. Everything the profile does not touch is preserved.
func Transform(d *Descriptor, targetEnv string) (*Descriptor, error) {
	profile, err := ProfileFor(targetEnv)
	if err != nil {
		return nil, err
	}

	out := d.Clone()
	out.ContainerName = EnvironmentName(d.ContainerName, targetEnv)
	out.ImageTag = retagForEnv(d.ImageTag, profile)
	out.CPULimit = profile.CPULimit
	out.MemoryLimit = profile.MemoryLimit
	out.Replicas = profile.Replicas

	return out, nil
}

// retagForEnv rewrites image tags of the `:x-ENV` form; any other tag
// shape is preserved untouched.
func retagForEnv(image string, profile Profile) string {
	idx := strings.LastIndex(image, ":")
	if idx < 0 || strings.Contains(image[idx:], "/") {
		return image
	}

	repo, tag := image[:idx], image[idx+1:]

	stripped := stripSuffix(tag)
	if stripped == tag {
		return image
	}

	return repo + ":" + stripped + profile.Suffix
}
