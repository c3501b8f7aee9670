package deploy

import (
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// The descriptor file format: one `deployment:` document whose maps are
// emitted with sorted keys so Import∘Export is the identity on bytes, not
// just on values.

// ExportYAML serializes a descriptor losslessly.
func ExportYAML(d *Descriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	body := &yaml.Node{Kind: yaml.MappingNode}
	appendKV(root, "deployment", body)

	appendScalar(body, "container_name", d.ContainerName)
	appendScalar(body, "image_tag", d.ImageTag)

	if len(d.Command) > 0 {
		appendKV(body, "command", sequenceNode(d.Command))
	}
	if len(d.Entrypoint) > 0 {
		appendKV(body, "entrypoint", sequenceNode(d.Entrypoint))
	}

	// port_mapping is keyed by host port per the file contract, inverted
	// from the descriptor's container→host form.
	ports := &yaml.Node{Kind: yaml.MappingNode}
	for _, containerPort := range sortedKeys(d.PortBindings) {
		ports.Content = append(ports.Content, quotedScalar(d.PortBindings[containerPort]), quotedScalar(containerPort))
	}
	sortMapping(ports)
	appendKV(body, "port_mapping", ports)

	env := &yaml.Node{Kind: yaml.SequenceNode}
	for _, kv := range d.Environment {
		env.Content = append(env.Content, scalarNode(kv))
	}
	appendKV(body, "environment", env)

	volumes := &yaml.Node{Kind: yaml.MappingNode}
	for _, m := range d.Volumes {
		key := m.VolumeName
		if m.Kind == MountBind {
			key = m.HostPath
		}
		if m.ReadOnly {
			obj := &yaml.Node{Kind: yaml.MappingNode}
			appendScalar(obj, "bind", m.MountPath)
			appendScalar(obj, "mode", "ro")
			appendKV(volumes, key, obj)
		} else {
			appendScalar(volumes, key, m.MountPath)
		}
	}
	sortMapping(volumes)
	appendKV(body, "volumes", volumes)

	if len(d.Networks) > 0 {
		networks := append([]string(nil), d.Networks...)
		sort.Strings(networks)
		appendKV(body, "networks", sequenceNode(networks))
	}

	appendScalar(body, "restart_policy", d.RestartPolicy)

	if d.CPULimit != "" {
		appendKV(body, "cpu_limit", quotedScalar(d.CPULimit))
	}
	if d.MemoryLimit != "" {
		appendScalar(body, "memory_limit", d.MemoryLimit)
	}

	if len(d.Labels) > 0 {
		labels := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range sortedKeys(d.Labels) {
			appendScalar(labels, k, d.Labels[k])
		}
		appendKV(body, "labels", labels)
	}

	appendKV(body, "replicas", intScalar(d.Replicas))

	if d.HealthcheckEndpoint != nil {
		if *d.HealthcheckEndpoint == "" {
			appendKV(body, "health_check_endpoint", nullNode())
		} else {
			appendScalar(body, "health_check_endpoint", *d.HealthcheckEndpoint)
		}
	}
	appendKV(body, "health_check_retries", intScalar(d.HealthcheckRetries))
	appendKV(body, "health_check_timeout", intScalar(d.HealthcheckTimeout))

	return yaml.Marshal(root)
}

type yamlDeploymentFile struct {
	Deployment yamlDeployment `yaml:"deployment"`
}

type yamlDeployment struct {
	ContainerName       string               `yaml:"container_name"`
	ImageTag            string               `yaml:"image_tag"`
	Command             []string             `yaml:"command"`
	Entrypoint          []string             `yaml:"entrypoint"`
	PortMapping         map[string]string    `yaml:"port_mapping"`
	Environment         []string             `yaml:"environment"`
	Volumes             map[string]yaml.Node `yaml:"volumes"`
	Networks            []string             `yaml:"networks"`
	RestartPolicy       string               `yaml:"restart_policy"`
	CPULimit            string               `yaml:"cpu_limit"`
	MemoryLimit         string               `yaml:"memory_limit"`
	Labels              map[string]string    `yaml:"labels"`
	Replicas            int                  `yaml:"replicas"`
	HealthCheckEndpoint *string              `yaml:"health_check_endpoint"`
	HealthCheckRetries  int                  `yaml:"health_check_retries"`
	HealthCheckTimeout  int                  `yaml:"health_check_timeout"`
}

// ImportYAML parses a descriptor file. Inverse of ExportYAML.
func ImportYAML(buf []byte) (*Descriptor, error) {
	var file yamlDeploymentFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, opserr.Wrap(err, opserr.KindInvalidDescriptor, "unable to parse descriptor")
	}

	src := file.Deployment
	d := &Descriptor{
		ContainerName:      src.ContainerName,
		ImageTag:           src.ImageTag,
		Command:            src.Command,
		Entrypoint:         src.Entrypoint,
		PortBindings:       make(map[string]string),
		Environment:        src.Environment,
		Networks:           src.Networks,
		RestartPolicy:      src.RestartPolicy,
		CPULimit:           src.CPULimit,
		MemoryLimit:        src.MemoryLimit,
		Labels:             src.Labels,
		Replicas:           src.Replicas,
		HealthcheckRetries: src.HealthCheckRetries,
		HealthcheckTimeout: src.HealthCheckTimeout,
	}

	for hostPort, containerPort := range src.PortMapping {
		d.PortBindings[containerPort] = hostPort
	}

	volumeKeys := make([]string, 0, len(src.Volumes))
	for key := range src.Volumes {
		volumeKeys = append(volumeKeys, key)
	}
	sort.Strings(volumeKeys)

	for _, key := range volumeKeys {
		node := src.Volumes[key]

		spec := MountSpec{Kind: MountVolume, VolumeName: key}
		if strings.HasPrefix(key, "/") {
			spec = MountSpec{Kind: MountBind, HostPath: key}
		}

		switch node.Kind {
		case yaml.ScalarNode:
			spec.MountPath = node.Value
		case yaml.MappingNode:
			var obj struct {
				Bind string `yaml:"bind"`
				Mode string `yaml:"mode"`
			}
			if err := node.Decode(&obj); err != nil {
				return nil, opserr.Wrap(err, opserr.KindInvalidDescriptor, "invalid volume entry %s", key)
			}
			spec.MountPath = obj.Bind
			spec.ReadOnly = obj.Mode == "ro"
		default:
			return nil, opserr.New(opserr.KindInvalidDescriptor, "invalid volume entry %s", key)
		}

		d.Volumes = append(d.Volumes, spec)
	}

	if src.HealthCheckEndpoint != nil {
		endpoint := *src.HealthCheckEndpoint
		d.HealthcheckEndpoint = &endpoint
	} else if hasKey(buf, "health_check_endpoint") {
		// An explicit `health_check_endpoint: null` disables HTTP probing,
		// which is different from the key being absent.
		disabled := ""
		d.HealthcheckEndpoint = &disabled
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return d, nil
}

func hasKey(buf []byte, key string) bool {
	for _, line := range strings.Split(string(buf), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), key+":") {
			return true
		}
	}
	return false
}

func errMissing(field string) error {
	return opserr.New(opserr.KindMissingField, "descriptor field %s is required", field)
}

func errInvalidMount(m MountSpec) error {
	return opserr.New(opserr.KindUnsupportedMount, "invalid mount %q at %q", m.Identifier(), m.MountPath)
}

// yaml.Node helpers; maps are always built with sorted keys so exports
// are byte-stable.

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

func quotedScalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value, Style: yaml.DoubleQuotedStyle}
}

func intScalar(value int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(value)}
}

func nullNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}

func sequenceNode(values []string) *yaml.Node {
	node := &yaml.Node{Kind: yaml.SequenceNode}
	for _, v := range values {
		node.Content = append(node.Content, scalarNode(v))
	}
	return node
}

func appendKV(mapping *yaml.Node, key string, value *yaml.Node) {
	mapping.Content = append(mapping.Content, scalarNode(key), value)
}

func appendScalar(mapping *yaml.Node, key, value string) {
	appendKV(mapping, key, scalarNode(value))
}

func sortMapping(mapping *yaml.Node) {
	type pair struct{ key, value *yaml.Node }

	pairs := make([]pair, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		pairs = append(pairs, pair{mapping.Content[i], mapping.Content[i+1]})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key.Value < pairs[j].key.Value })

	mapping.Content = mapping.Content[:0]
	for _, p := range pairs {
		mapping.Content = append(mapping.Content, p.key, p.value)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
