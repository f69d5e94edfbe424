package config

// RuleSpec is a source rule as written in the file. Nil fields inherit
// from the job's defaults; an explicit empty string disables the rule.
type RuleSpec struct {
	Dir                string    `mapstructure:"dir"`
	IncludePattern     *string   `mapstructure:"include_pattern"`
	IncludePathPattern *string   `mapstructure:"include_path_pattern"`
	IncludeFiles       []string  `mapstructure:"include_files"`
	ExcludePattern     *string   `mapstructure:"exclude_pattern"`
	ExcludeDirPattern  *string   `mapstructure:"exclude_dir_pattern"`
	ExcludePathPattern *string   `mapstructure:"exclude_path_pattern"`
	ExcludeDirs        []string  `mapstructure:"exclude_dirs"`
	MaxSize            *ByteSize `mapstructure:"max_size"`
}

// SourceRule is a fully resolved directory-selection rule.
type SourceRule struct {
	Dir                string   `yaml:"dir"`
	IncludePattern     string   `yaml:"include_pattern,omitempty"`
	IncludePathPattern string   `yaml:"include_path_pattern,omitempty"`
	IncludeFiles       []string `yaml:"include_files,omitempty"`
	ExcludePattern     string   `yaml:"exclude_pattern,omitempty"`
	ExcludeDirPattern  string   `yaml:"exclude_dir_pattern,omitempty"`
	ExcludePathPattern string   `yaml:"exclude_path_pattern,omitempty"`
	ExcludeDirs        []string `yaml:"exclude_dirs,omitempty"`
	MaxSize            ByteSize `yaml:"max_size,omitempty"`
}

func pick(own, fallback *string) string {
	if own != nil {
		return *own
	}
	if fallback != nil {
		return *fallback
	}
	return ""
}

// Resolve fills the unset fields of r from defaults.
func (r RuleSpec) Resolve(defaults RuleSpec) SourceRule {
	rule := SourceRule{
		Dir:                r.Dir,
		IncludePattern:     pick(r.IncludePattern, defaults.IncludePattern),
		IncludePathPattern: pick(r.IncludePathPattern, defaults.IncludePathPattern),
		ExcludePattern:     pick(r.ExcludePattern, defaults.ExcludePattern),
		ExcludeDirPattern:  pick(r.ExcludeDirPattern, defaults.ExcludeDirPattern),
		ExcludePathPattern: pick(r.ExcludePathPattern, defaults.ExcludePathPattern),
		IncludeFiles:       r.IncludeFiles,
		ExcludeDirs:        r.ExcludeDirs,
	}
	if rule.IncludeFiles == nil {
		rule.IncludeFiles = defaults.IncludeFiles
	}
	if rule.ExcludeDirs == nil {
		rule.ExcludeDirs = defaults.ExcludeDirs
	}
	switch {
	case r.MaxSize != nil:
		rule.MaxSize = *r.MaxSize
	case defaults.MaxSize != nil:
		rule.MaxSize = *defaults.MaxSize
	}
	return rule
}
