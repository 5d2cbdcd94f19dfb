package workflow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// RegistryExport 注册表的可序列化形态
type RegistryExport struct {
	Phases []PhaseConfig `json:"phases" yaml:"phases"`
}

// Export 导出全部阶段配置，按序号升序
func (r *Registry) Export() RegistryExport {
	return RegistryExport{Phases: r.Phases()}
}

// ExportYAML 导出阶段配置为 YAML
func (r *Registry) ExportYAML() ([]byte, error) {
	data, err := yaml.Marshal(r.Export())
	if err != nil {
		return nil, fmt.Errorf("序列化阶段配置失败: %w", err)
	}
	return data, nil
}

// ExportJSON 导出阶段配置为 JSON
func (r *Registry) ExportJSON() ([]byte, error) {
	data, err := json.MarshalIndent(r.Export(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("序列化阶段配置失败: %w", err)
	}
	return data, nil
}

// LoadRegistryYAML 从 YAML 构建注册表，结构校验同 NewRegistry
func LoadRegistryYAML(data []byte) (*Registry, error) {
	var export RegistryExport
	if err := yaml.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("解析阶段配置失败: %w", err)
	}
	return NewRegistry(export.Phases)
}

// PhaseInfo 单个阶段的完整描述，注册表配置加前置要求
type PhaseInfo struct {
	Phase             Phase               `json:"phase"`
	Order             int                 `json:"order"`
	Transitions       []Transition        `json:"transitions"`
	RequiredFields    []string            `json:"required_fields"`
	Permissions       map[string][]string `json:"permissions"`
	AutoActions       []string            `json:"auto_actions"`
	ValidationRules   []string            `json:"validation_rules"`
	ParallelProcesses []string            `json:"parallel_processes,omitempty"`
	Escalation        *EscalationPolicy   `json:"escalation,omitempty"`
	Requirements      []Requirement       `json:"requirements"`
}

// DescribePhase 按阶段名返回完整描述，阶段未注册时返回 false
func (r *Registry) DescribePhase(phase Phase) (PhaseInfo, bool) {
	cfg, ok := r.Get(phase)
	if !ok {
		return PhaseInfo{}, false
	}
	return PhaseInfo{
		Phase:             cfg.Name,
		Order:             cfg.Order,
		Transitions:       cfg.Transitions,
		RequiredFields:    cfg.RequiredFields,
		Permissions:       cfg.Permissions,
		AutoActions:       cfg.AutoActions,
		ValidationRules:   cfg.ValidationRules,
		ParallelProcesses: cfg.ParallelProcesses,
		Escalation:        cfg.Escalation,
		Requirements:      PhaseRequirements(cfg.Name),
	}, true
}
