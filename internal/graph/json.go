package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// document is the FBP graph JSON interchange format.
type document struct {
	CaseSensitive bool                  `json:"caseSensitive"`
	Properties    map[string]any        `json:"properties"`
	Inports       map[string]exportDoc  `json:"inports"`
	Outports      map[string]exportDoc  `json:"outports"`
	Groups        []groupDoc            `json:"groups"`
	Processes     map[string]processDoc `json:"processes"`
	Connections   []connectionDoc       `json:"connections"`
}

type exportDoc struct {
	Process  string         `json:"process"`
	Port     string         `json:"port"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type groupDoc struct {
	Name     string         `json:"name"`
	Nodes    []string       `json:"nodes"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type processDoc struct {
	Component string         `json:"component"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type endpointDoc struct {
	Process string `json:"process"`
	Port    string `json:"port"`
	Index   *int   `json:"index,omitempty"`
}

type connectionDoc struct {
	Src      *endpointDoc   `json:"src,omitempty"`
	Data     *any           `json:"data,omitempty"`
	Tgt      endpointDoc    `json:"tgt"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON encodes the graph in FBP graph JSON.
func (g *Graph) MarshalJSON() ([]byte, error) {
	g.mu.RLock()
	doc := document{
		CaseSensitive: true,
		Properties:    copyMeta(g.properties),
		Inports:       map[string]exportDoc{},
		Outports:      map[string]exportDoc{},
		Groups:        []groupDoc{},
		Processes:     map[string]processDoc{},
		Connections:   []connectionDoc{},
	}
	for _, p := range g.inports {
		doc.Inports[p.Public] = exportDoc{Process: p.Node, Port: p.Port, Metadata: emptyToNil(p.Metadata)}
	}
	for _, p := range g.outports {
		doc.Outports[p.Public] = exportDoc{Process: p.Node, Port: p.Port, Metadata: emptyToNil(p.Metadata)}
	}
	for _, grp := range g.groups {
		doc.Groups = append(doc.Groups, groupDoc{Name: grp.Name, Nodes: append([]string{}, grp.Nodes...), Metadata: emptyToNil(grp.Metadata)})
	}
	for _, n := range g.nodes {
		doc.Processes[n.ID] = processDoc{Component: n.Component, Metadata: emptyToNil(n.Metadata)}
	}
	for _, e := range g.edges {
		doc.Connections = append(doc.Connections, connectionDoc{
			Src:      &endpointDoc{Process: e.From.Node, Port: e.From.Port, Index: e.From.Index},
			Tgt:      endpointDoc{Process: e.To.Node, Port: e.To.Port, Index: e.To.Index},
			Metadata: emptyToNil(e.Metadata),
		})
	}
	for _, iip := range g.initials {
		data := iip.Data
		doc.Connections = append(doc.Connections, connectionDoc{
			Data:     &data,
			Tgt:      endpointDoc{Process: iip.To.Node, Port: iip.To.Port, Index: iip.To.Index},
			Metadata: emptyToNil(iip.Metadata),
		})
	}
	g.mu.RUnlock()
	return json.Marshal(doc)
}

// Parse decodes FBP graph JSON. Observers are not notified while loading.
func Parse(data []byte) (*Graph, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	name, _ := doc.Properties["name"].(string)
	g := New(name)
	for k, v := range doc.Properties {
		g.properties[k] = v
	}

	// Sort process ids for a stable node order.
	ids := make([]string, 0, len(doc.Processes))
	for id := range doc.Processes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := doc.Processes[id]
		if err := g.AddNode(id, p.Component, p.Metadata); err != nil {
			return nil, fmt.Errorf("process %q: %w", id, err)
		}
	}
	for i, c := range doc.Connections {
		to := Endpoint{Node: c.Tgt.Process, Port: c.Tgt.Port, Index: c.Tgt.Index}
		if c.Src == nil {
			var data any
			if c.Data != nil {
				data = *c.Data
			}
			if err := g.AddInitial(data, to, c.Metadata); err != nil {
				return nil, fmt.Errorf("connection %d: %w", i, err)
			}
			continue
		}
		from := Endpoint{Node: c.Src.Process, Port: c.Src.Port, Index: c.Src.Index}
		if err := g.AddEdge(from, to, c.Metadata); err != nil {
			return nil, fmt.Errorf("connection %d: %w", i, err)
		}
	}
	for _, public := range sortedKeys(doc.Inports) {
		p := doc.Inports[public]
		if err := g.AddInport(public, p.Process, p.Port, p.Metadata); err != nil {
			return nil, fmt.Errorf("inport %q: %w", public, err)
		}
	}
	for _, public := range sortedKeys(doc.Outports) {
		p := doc.Outports[public]
		if err := g.AddOutport(public, p.Process, p.Port, p.Metadata); err != nil {
			return nil, fmt.Errorf("outport %q: %w", public, err)
		}
	}
	for _, grp := range doc.Groups {
		if err := g.AddGroup(grp.Name, grp.Nodes, grp.Metadata); err != nil {
			return nil, fmt.Errorf("group %q: %w", grp.Name, err)
		}
	}
	return g, nil
}

// ParseYAML decodes the same document written as YAML.
func ParseYAML(data []byte) (*Graph, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse graph yaml: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert graph yaml: %w", err)
	}
	return Parse(asJSON)
}

// LoadFile reads a .json, .yaml or .yml graph file.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".json", "":
		return Parse(data)
	default:
		return nil, fmt.Errorf("unsupported graph file %q", filepath.Base(path))
	}
}

func sortedKeys(m map[string]exportDoc) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func emptyToNil(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
