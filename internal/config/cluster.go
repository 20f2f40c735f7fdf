package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/cvs/internal/retry"
)

// ErrMissingKey is returned when a required cluster setting is absent.
var ErrMissingKey = errors.New("missing required configuration key")

// DefaultOrchestrator is used when the cluster file names none.
const DefaultOrchestrator = "baremetal"

// Cluster is the merged cluster configuration consumed by orchestrators.
type Cluster struct {
	Orchestrator string
	Nodes        NodeList
	Username     string
	PrivKeyFile  string
	Password     string
	HeadNodeDict map[string]any
	// Container is nil when the file has no container section.
	Container *Container
	// Retry is nil when no retry keys are present.
	Retry *retry.Config
}

// Hosts returns the node addresses in file order. The first is the head.
func (c *Cluster) Hosts() []string {
	hosts := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		hosts[i] = n.Host
	}
	return hosts
}

// Container configures containerized execution.
type Container struct {
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	Launch         bool              `json:"launch" yaml:"launch"`
	Image          string            `json:"image" yaml:"image"`
	ImageTar       string            `json:"image_tar" yaml:"image_tar"`
	Name           string            `json:"name" yaml:"name"`
	GPUPassthrough *bool             `json:"gpu_passthrough" yaml:"gpu_passthrough"`
	Env            map[string]string `json:"env" yaml:"env"`
	Runtime        ContainerRuntime  `json:"runtime" yaml:"runtime"`
}

// IsZero reports whether the section is missing or sets nothing.
func (c *Container) IsZero() bool {
	return c == nil || reflect.ValueOf(*c).IsZero()
}

// GPUs reports whether GPUs are passed through. Defaults to true.
func (c *Container) GPUs() bool {
	return c.GPUPassthrough == nil || *c.GPUPassthrough
}

// ContainerRuntime selects a runtime and its extra arguments.
type ContainerRuntime struct {
	Name string      `json:"name" yaml:"name"`
	Args RuntimeArgs `json:"args" yaml:"args"`
}

// RuntimeArgs are user additions and overrides to the container defaults.
type RuntimeArgs struct {
	Volumes     []string          `json:"volumes" yaml:"volumes"`
	Devices     []string          `json:"devices" yaml:"devices"`
	Env         map[string]string `json:"env" yaml:"env"`
	CapAdd      []string          `json:"cap_add" yaml:"cap_add"`
	SecurityOpt []string          `json:"security_opt" yaml:"security_opt"`
	GroupAdd    []string          `json:"group_add" yaml:"group_add"`
	Network     string            `json:"network" yaml:"network"`
	IPC         string            `json:"ipc" yaml:"ipc"`
	Ulimit      []string          `json:"ulimit" yaml:"ulimit"`
	Privileged  *bool             `json:"privileged" yaml:"privileged"`
}

// Node is one cluster member.
type Node struct {
	Host string
}

// NodeList keeps nodes in file order. It decodes from either an object of
// host → details or a list of records carrying mgmt_ip.
type NodeList []Node

type nodeRecord struct {
	MgmtIP string `json:"mgmt_ip" yaml:"mgmt_ip"`
}

func (n *NodeList) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("node_dict: %w", err)
	}

	var nodes NodeList
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			key, err := dec.Token()
			if err != nil {
				return fmt.Errorf("node_dict: %w", err)
			}
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("node_dict %v: %w", key, err)
			}
			nodes = append(nodes, Node{Host: key.(string)})
		}
	case json.Delim('['):
		for dec.More() {
			var rec nodeRecord
			if err := dec.Decode(&rec); err != nil {
				return fmt.Errorf("node_dict entry %d: %w", len(nodes), err)
			}
			if rec.MgmtIP == "" {
				return fmt.Errorf("node_dict entry %d has no mgmt_ip", len(nodes))
			}
			nodes = append(nodes, Node{Host: rec.MgmtIP})
		}
	default:
		return fmt.Errorf("node_dict must be an object or a list, got %v", tok)
	}
	*n = nodes
	return nil
}

func (n *NodeList) UnmarshalYAML(value *yaml.Node) error {
	var nodes NodeList
	switch value.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			nodes = append(nodes, Node{Host: value.Content[i].Value})
		}
	case yaml.SequenceNode:
		for i, item := range value.Content {
			var rec nodeRecord
			if err := item.Decode(&rec); err != nil {
				return fmt.Errorf("node_dict entry %d: %w", i, err)
			}
			if rec.MgmtIP == "" {
				return fmt.Errorf("node_dict entry %d has no mgmt_ip", i)
			}
			nodes = append(nodes, Node{Host: rec.MgmtIP})
		}
	default:
		return fmt.Errorf("node_dict must be a mapping or a sequence (line %d)", value.Line)
	}
	*n = nodes
	return nil
}

// rawCluster mirrors the file layout. Pointers distinguish absent keys so a
// test-suite file overrides only what it sets.
type rawCluster struct {
	Orchestrator      *string        `json:"orchestrator" yaml:"orchestrator"`
	NodeDict          *NodeList      `json:"node_dict" yaml:"node_dict"`
	Username          *string        `json:"username" yaml:"username"`
	PrivKeyFile       *string        `json:"priv_key_file" yaml:"priv_key_file"`
	Password          *string        `json:"password" yaml:"password"`
	HeadNodeDict      map[string]any `json:"head_node_dict" yaml:"head_node_dict"`
	Container         *Container     `json:"container" yaml:"container"`
	RetryOnFailure    *bool          `json:"cvs_retry_on_failure" yaml:"cvs_retry_on_failure"`
	MaxRetries        *int           `json:"cvs_max_retries" yaml:"cvs_max_retries"`
	RetryDelaySeconds *float64       `json:"cvs_retry_delay_seconds" yaml:"cvs_retry_delay_seconds"`
}

// merge overlays every key set in o onto r.
func (r *rawCluster) merge(o *rawCluster) {
	if o.Orchestrator != nil {
		r.Orchestrator = o.Orchestrator
	}
	if o.NodeDict != nil {
		r.NodeDict = o.NodeDict
	}
	if o.Username != nil {
		r.Username = o.Username
	}
	if o.PrivKeyFile != nil {
		r.PrivKeyFile = o.PrivKeyFile
	}
	if o.Password != nil {
		r.Password = o.Password
	}
	if o.HeadNodeDict != nil {
		r.HeadNodeDict = o.HeadNodeDict
	}
	if o.Container != nil {
		r.Container = o.Container
	}
	if o.RetryOnFailure != nil {
		r.RetryOnFailure = o.RetryOnFailure
	}
	if o.MaxRetries != nil {
		r.MaxRetries = o.MaxRetries
	}
	if o.RetryDelaySeconds != nil {
		r.RetryDelaySeconds = o.RetryDelaySeconds
	}
}

// LoadCluster reads the cluster file and, if suitePath is set, a test-suite
// file whose keys take precedence. Files ending in .yaml or .yml are decoded
// as YAML, everything else as JSON.
func LoadCluster(fs afero.Fs, clusterPath, suitePath string) (*Cluster, error) {
	raw, err := readCluster(fs, clusterPath)
	if err != nil {
		return nil, err
	}
	if suitePath != "" {
		suite, err := readCluster(fs, suitePath)
		if err != nil {
			return nil, err
		}
		raw.merge(suite)
	}
	return raw.build()
}

func readCluster(fs afero.Fs, path string) (*rawCluster, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw rawCluster
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &raw, nil
}

func (r *rawCluster) build() (*Cluster, error) {
	if r.NodeDict == nil {
		return nil, fmt.Errorf("%w: node_dict", ErrMissingKey)
	}
	if len(*r.NodeDict) == 0 {
		return nil, fmt.Errorf("node_dict must list at least one node")
	}
	if r.Username == nil {
		return nil, fmt.Errorf("%w: username", ErrMissingKey)
	}
	if r.PrivKeyFile == nil {
		return nil, fmt.Errorf("%w: priv_key_file", ErrMissingKey)
	}

	c := &Cluster{
		Orchestrator: DefaultOrchestrator,
		Nodes:        *r.NodeDict,
		Username:     *r.Username,
		PrivKeyFile:  *r.PrivKeyFile,
		HeadNodeDict: r.HeadNodeDict,
		Container:    r.Container,
	}
	if r.Orchestrator != nil && *r.Orchestrator != "" {
		c.Orchestrator = strings.ToLower(*r.Orchestrator)
	}
	if r.Password != nil {
		c.Password = *r.Password
	}
	if c.HeadNodeDict == nil {
		c.HeadNodeDict = map[string]any{}
	}

	if r.RetryOnFailure != nil || r.MaxRetries != nil || r.RetryDelaySeconds != nil {
		rc := &retry.Config{MaxRetries: retry.DefaultMaxRetries}
		if r.RetryOnFailure != nil {
			rc.Enabled = *r.RetryOnFailure
		}
		if r.MaxRetries != nil {
			rc.MaxRetries = *r.MaxRetries
		}
		if r.RetryDelaySeconds != nil {
			rc.RetryDelaySeconds = *r.RetryDelaySeconds
		}
		c.Retry = rc
	}
	return c, nil
}
